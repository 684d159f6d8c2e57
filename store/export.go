package store

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// archiveLine is the JSONL record for one archive. Payloads stay in their
// compressed form, base64 wrapped for transport.
type archiveLine struct {
	Hash         string `json:"hash"`
	ProjectID    int64  `json:"project_id"`
	Payload      string `json:"payload"`
	OriginalSize *int64 `json:"original_size"`
	CreatedAt    string `json:"created_at"`
}

// ImportStats summarizes one import run.
type ImportStats struct {
	Imported int
	Skipped  int
	Failed   int
}

// ExportArchives writes every archive to w as one JSON object per line.
func (s *Store) ExportArchives(ctx context.Context, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	count := 0
	err := s.ListArchives(ctx, func(a *Archive) error {
		line := archiveLine{
			Hash:         a.Hash,
			ProjectID:    a.ProjectID,
			Payload:      base64.StdEncoding.EncodeToString(a.CompressedPayload),
			OriginalSize: a.OriginalSize,
			CreatedAt:    time.UnixMilli(a.CreatedAt).UTC().Format(time.RFC3339),
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("store: export encode: %w", err)
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	if err := bw.Flush(); err != nil {
		return count, fmt.Errorf("store: export flush: %w", err)
	}
	return count, nil
}

// ImportArchives reads JSONL archives from r. Existing hashes are
// skipped; malformed lines are reported through onError and counted as
// failed without stopping the run.
func (s *Store) ImportArchives(ctx context.Context, r io.Reader, onError func(line int, err error)) (ImportStats, error) {
	var stats ImportStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line archiveLine
		if err := json.Unmarshal(raw, &line); err != nil {
			stats.Failed++
			if onError != nil {
				onError(lineNo, fmt.Errorf("decode: %w", err))
			}
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(line.Payload)
		if err != nil {
			stats.Failed++
			if onError != nil {
				onError(lineNo, fmt.Errorf("payload base64: %w", err))
			}
			continue
		}
		createdAt := time.Now().UnixMilli()
		if t, err := time.Parse(time.RFC3339, line.CreatedAt); err == nil {
			createdAt = t.UnixMilli()
		}

		exists, err := s.ArchiveExists(ctx, line.Hash)
		if err != nil {
			return stats, err
		}
		if exists {
			stats.Skipped++
			continue
		}
		if err := s.SaveArchive(ctx, &Archive{
			Hash:              line.Hash,
			ProjectID:         line.ProjectID,
			CompressedPayload: payload,
			OriginalSize:      line.OriginalSize,
			CreatedAt:         createdAt,
		}); err != nil {
			stats.Failed++
			if onError != nil {
				onError(lineNo, err)
			}
			continue
		}
		stats.Imported++
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("store: import read: %w", err)
	}
	return stats, nil
}
