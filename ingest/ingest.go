// Package ingest is the receiving side of the collector: it conditions
// incoming payloads, stores them as content-addressed archives and queues
// them for the digest worker. Session-only envelopes bypass the archive
// and are stored directly.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/crashcache/codec"
	"github.com/hazyhaar/crashcache/sentry"
	"github.com/hazyhaar/crashcache/store"
)

var (
	// ErrMissingKey is returned when the request carries no sentry_key.
	ErrMissingKey = errors.New("ingest: missing sentry_key")

	// ErrInvalidKey is returned when the sentry_key does not match the
	// project's public key.
	ErrInvalidKey = errors.New("ingest: invalid public key")

	// ErrPayloadTooLarge is returned when the body exceeds the
	// configured size limit.
	ErrPayloadTooLarge = errors.New("ingest: payload too large")

	// ErrOverloaded is returned when all compression slots are busy.
	ErrOverloaded = errors.New("ingest: service overloaded")

	// ErrInvalidRequest is returned for requests the collector cannot
	// interpret.
	ErrInvalidRequest = errors.New("ingest: invalid request")
)

// Result describes one accepted payload.
type Result struct {
	Hash      string
	Duplicate bool
}

// UseCase holds the ingestion pipeline.
type UseCase struct {
	st              *store.Store
	maxCompressed   int64
	maxUncompressed int64
	compressions    *semaphore.Weighted
}

// NewUseCase builds the pipeline with the payload limits and the number
// of concurrent server-side compressions allowed.
func NewUseCase(st *store.Store, maxCompressed, maxUncompressed, maxCompressions int64) *UseCase {
	if maxCompressions <= 0 {
		maxCompressions = 1
	}
	return &UseCase{
		st:              st,
		maxCompressed:   maxCompressed,
		maxUncompressed: maxUncompressed,
		compressions:    semaphore.NewWeighted(maxCompressions),
	}
}

// Condition turns a request body into its archived form. Bodies the
// client already gzip-compressed are kept verbatim with an unknown
// original size; plain bodies are size-checked and compressed under the
// concurrency cap.
func (u *UseCase) Condition(body []byte, contentEncoding string) (payload []byte, originalSize *int64, err error) {
	if strings.Contains(contentEncoding, "gzip") {
		if int64(len(body)) > u.maxCompressed {
			return nil, nil, fmt.Errorf("%w: %d bytes compressed", ErrPayloadTooLarge, len(body))
		}
		return body, nil, nil
	}

	if int64(len(body)) > u.maxUncompressed {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(body))
	}
	if !u.compressions.TryAcquire(1) {
		return nil, nil, ErrOverloaded
	}
	defer u.compressions.Release(1)

	compressed, err := codec.Compress(body)
	if err != nil {
		return nil, nil, err
	}
	size := int64(len(body))
	return compressed, &size, nil
}

// Ingest archives a conditioned payload for a project and queues it for
// digestion. A payload whose hash is already archived is reported as a
// duplicate and not re-queued.
func (u *UseCase) Ingest(ctx context.Context, projectID int64, payload []byte, originalSize *int64) (Result, error) {
	hash := codec.Hash(payload)

	var res Result
	err := u.st.Tx(ctx, func(tx *store.Store) error {
		exists, err := tx.ProjectExists(ctx, projectID)
		if err != nil {
			return err
		}
		if !exists {
			return store.ErrProjectNotFound
		}

		have, err := tx.ArchiveExists(ctx, hash)
		if err != nil {
			return err
		}
		if have {
			res = Result{Hash: hash, Duplicate: true}
			return nil
		}

		if err := tx.SaveArchive(ctx, &store.Archive{
			Hash:              hash,
			ProjectID:         projectID,
			CompressedPayload: payload,
			OriginalSize:      originalSize,
		}); err != nil {
			return err
		}
		if _, err := tx.Enqueue(ctx, hash); err != nil {
			return err
		}
		res = Result{Hash: hash}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if res.Duplicate {
		slog.Debug("ingest: duplicate archive", "hash", hash, "project", projectID)
	} else {
		slog.Info("ingest: archive stored", "hash", hash, "project", projectID)
	}
	return res, nil
}

// IngestSessions stores session updates directly, without archiving.
// Malformed payloads are skipped; the count of stored sessions is
// returned together with the first skip error, so a batch that stored
// nothing can be reported as a failure.
func (u *UseCase) IngestSessions(ctx context.Context, projectID int64, payloads [][]byte) (int, error) {
	var stored int
	var firstErr error

	err := u.st.Tx(ctx, func(tx *store.Store) error {
		exists, err := tx.ProjectExists(ctx, projectID)
		if err != nil {
			return err
		}
		if !exists {
			return store.ErrProjectNotFound
		}

		for _, p := range payloads {
			sess, ok := sentry.ParseSession(p)
			if !ok {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: malformed session payload", ErrInvalidRequest)
				}
				continue
			}
			if err := storeSession(ctx, tx, projectID, sess); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if stored == 0 && firstErr != nil {
		return 0, firstErr
	}
	return stored, nil
}

func storeSession(ctx context.Context, tx *store.Store, projectID int64, sess *sentry.Session) error {
	statusID, err := tx.DictID(ctx, store.DictSessionStatus, sess.Status)
	if err != nil {
		return err
	}
	releaseID, err := tx.OptionalDictID(ctx, store.DictSessionRelease, sess.Attrs.Release)
	if err != nil {
		return err
	}
	envID, err := tx.OptionalDictID(ctx, store.DictSessionEnvironment, sess.Attrs.Environment)
	if err != nil {
		return err
	}
	_, err = tx.UpsertSession(ctx, &store.Session{
		ProjectID:     projectID,
		SID:           sess.SID,
		Init:          sess.Init,
		StartedAt:     sess.Started,
		Timestamp:     sess.Timestamp,
		Errors:        sess.Errors,
		StatusID:      statusID,
		ReleaseID:     releaseID,
		EnvironmentID: envID,
	})
	return err
}
