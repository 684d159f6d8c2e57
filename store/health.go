package store

import "context"

// Health gathers the counters behind the /health endpoint in one pass.
func (s *Store) Health(ctx context.Context) (HealthCounts, error) {
	var hc HealthCounts
	var err error

	if hc.Archives, err = s.CountArchives(ctx); err != nil {
		return hc, err
	}
	if hc.Reports, err = s.CountReports(ctx); err != nil {
		return hc, err
	}
	if hc.Queued, err = s.CountQueued(ctx); err != nil {
		return hc, err
	}
	if hc.Regurgitated, err = s.CountQueueErrors(ctx); err != nil {
		return hc, err
	}
	hc.Orphaned = hc.Archives - hc.Reports - hc.Queued - hc.Regurgitated
	return hc, nil
}
