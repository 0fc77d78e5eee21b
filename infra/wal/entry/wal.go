package entry

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

const headerSize = 1 + 8 + 8 + 4

type Config struct {
	Dir         string
	SegmentSize int64
	// SyncEveryAppend fsyncs after each record. Settlement commands move
	// money, so the server turns this on.
	SyncEveryAppend bool
}

// WAL is the entry log: every accepted ledger command is framed and
// appended here before it is applied.
type WAL struct {
	mu         sync.Mutex
	dir        string
	segSize    int64
	syncAlways bool
	current    *segment
	lastRotate time.Time
}

// Open cuts any torn tail left by a crash, then starts a fresh segment
// after the highest existing one.
func Open(cfg Config) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 2 * 1024 * 1024
	}

	files, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if err := repairTail(files); err != nil {
		return nil, err
	}
	next := 0
	if n := len(files); n > 0 {
		last, err := segmentIndex(files[n-1])
		if err != nil {
			return nil, err
		}
		next = last + 1
	}

	seg, err := openSegment(cfg.Dir, next)
	if err != nil {
		return nil, err
	}

	return &WAL{
		dir:        cfg.Dir,
		segSize:    cfg.SegmentSize,
		syncAlways: cfg.SyncEveryAppend,
		current:    seg,
		lastRotate: time.Now(),
	}, nil
}

// Append writes one record.
// Frame: [type:1][seq:8][time:8][len:4][payload][crc:4]
func (w *WAL) Append(r *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.current.append(encodeFrame(r)); err != nil {
		return fmt.Errorf("append seq %d: %w", r.Seq, err)
	}
	if w.syncAlways {
		if err := w.current.sync(); err != nil {
			return fmt.Errorf("sync seq %d: %w", r.Seq, err)
		}
	}
	if w.current.offset >= w.segSize {
		return w.rotate()
	}
	return nil
}

func encodeFrame(r *Record) []byte {
	payloadLen := uint32(len(r.Data))
	buf := make([]byte, headerSize+payloadLen+4)

	buf[0] = byte(r.Type)
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], payloadLen)
	copy(buf[headerSize:], r.Data)

	crc := CRC32(buf[:headerSize+payloadLen])
	binary.BigEndian.PutUint32(buf[headerSize+payloadLen:], crc)
	return buf
}

func (w *WAL) rotate() error {
	if err := w.current.sync(); err != nil {
		return err
	}
	_ = w.current.close()

	seg, err := openSegment(w.dir, w.current.index+1)
	if err != nil {
		return err
	}

	w.current = seg
	w.lastRotate = time.Now()
	return nil
}

// Sync flushes the active segment to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.sync()
}

// Close syncs and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.current.sync(); err != nil {
		_ = w.current.close()
		return err
	}
	return w.current.close()
}

// TruncateBefore removes closed segments whose records all have a
// sequence at or below seq. The active segment is never removed.
func (w *WAL) TruncateBefore(seq uint64) error {
	w.mu.Lock()
	active := segmentPath(w.dir, w.current.index)
	w.mu.Unlock()

	files, err := listSegments(w.dir)
	if err != nil {
		return err
	}

	for _, path := range files {
		if path == active {
			continue
		}
		maxSeq, err := maxSeqInSegment(path)
		if err != nil {
			return fmt.Errorf("scan segment: %w", err)
		}
		if maxSeq <= seq {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove segment: %w", err)
			}
		}
	}
	return nil
}
