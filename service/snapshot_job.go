package service

import (
	"context"
	"time"

	"midna/snapshot"
)

// WriteSnapshot persists a snapshot, then drops WAL segments and delivered
// outbox events it covers.
func (s *SettlementService) WriteSnapshot(w *snapshot.Writer) (uint64, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return 0, err
	}

	if err := w.Write(snap); err != nil {
		return 0, err
	}

	// Truncate ENTRY WAL after snapshot
	if err := s.wal.TruncateBefore(snap.Seq); err != nil {
		return snap.Seq, err
	}

	// GC outbox (acked only)
	n, err := s.outbox.DeleteAckedUpTo(snap.Seq)
	if err != nil {
		return snap.Seq, err
	}

	s.log.Info().Uint64("seq", snap.Seq).Int("outbox_gc", n).Msg("snapshot written")
	return snap.Seq, nil
}

// RunSnapshotJob writes a snapshot every interval until ctx is done.
func (s *SettlementService) RunSnapshotJob(ctx context.Context, dir string, interval time.Duration) {
	w := &snapshot.Writer{Dir: dir}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.WriteSnapshot(w); err != nil {
				s.log.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}
