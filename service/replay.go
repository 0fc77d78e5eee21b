package service

import (
	"fmt"
	"time"

	"midna/infra/wal"
	entrywal "midna/infra/wal/entry"
	"midna/snapshot"
)

/*
Recover rebuilds in-memory state from the newest snapshot plus the entry
WAL records after it.

IMPORTANT:
- This MUST run before accepting traffic
- Settlements found in the WAL re-ensure their outbox entry, covering a
  crash between the WAL append and the outbox write
*/
func (s *SettlementService) Recover(walDir, snapshotDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := snapshot.Load(snapshotDir)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	var from uint64
	if snap != nil {
		s.ledger.Restore(snap.Ledger)
		if err := s.reg.Restore(s.mint, snap.Registrar); err != nil {
			return fmt.Errorf("restore registrar: %w", err)
		}
		from = snap.Seq
		s.log.Info().Uint64("seq", snap.Seq).Time("created", snap.Created).Msg("snapshot loaded")
	}

	replayed := 0
	lastSeq, err := entrywal.Replay(walDir, from, func(rec *entrywal.Record) error {
		cmd, err := wal.Decode(rec.Data)
		if err != nil {
			return fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		if err := s.apply(rec, cmd); err != nil {
			return fmt.Errorf("seq %d (%s order %d): %w", rec.Seq, rec.Type, cmd.OrderID, err)
		}
		if rec.Type == entrywal.RecordSettle {
			if err := s.enqueueSettled(cmd.OrderID, rec.Seq); err != nil {
				return fmt.Errorf("seq %d: outbox: %w", rec.Seq, err)
			}
		}
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}

	// Resume sequencing AFTER replay
	s.seq.Reset(lastSeq)

	s.log.Info().Int("records", replayed).Uint64("last_seq", lastSeq).Msg("wal replay completed")
	return nil
}

// Snapshot captures ledger and registrar state between commands. A halted
// service refuses, since its memory may be ahead of or behind the WAL.
func (s *SettlementService) Snapshot() (*snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted != nil {
		return nil, ErrHalted
	}
	return &snapshot.Snapshot{
		Seq:       s.seq.Current(),
		Created:   time.Now().UTC(),
		Ledger:    s.ledger.Export(),
		Registrar: s.reg.Export(),
	}, nil
}
