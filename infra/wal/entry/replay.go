package entry

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrCorrupt reports a frame whose checksum does not match.
var ErrCorrupt = errors.New("wal: crc mismatch")

type ReplayHandler func(*Record) error

// Replay feeds every record with a sequence above afterSeq to fn, in log
// order. Sequences must be strictly increasing across segments. A partial
// frame is a torn write and ends replay, but only when no later segment
// holds data.
func Replay(dir string, afterSeq uint64, fn ReplayHandler) (lastSeq uint64, err error) {
	files, err := listSegments(dir)
	if err != nil {
		return 0, err
	}
	lastSeq = afterSeq

	var prev uint64
	for i, path := range files {
		end, torn, err := readSegment(path, func(rec *Record) error {
			if rec.Seq <= prev {
				return fmt.Errorf("%s: non-monotonic seq %d after %d", path, rec.Seq, prev)
			}
			prev = rec.Seq
			if rec.Seq <= afterSeq {
				return nil
			}
			lastSeq = rec.Seq
			return fn(rec)
		})
		if err != nil {
			return lastSeq, err
		}
		if !torn {
			continue
		}

		empty, err := allEmpty(files[i+1:])
		if err != nil {
			return lastSeq, err
		}
		if !empty {
			return lastSeq, fmt.Errorf("%s: torn frame at offset %d: %w", path, end, io.ErrUnexpectedEOF)
		}
		return lastSeq, nil
	}
	return lastSeq, nil
}

// readSegment calls fn for each complete frame in path and returns the
// offset just past the last one. A partial final frame sets torn.
func readSegment(path string, fn ReplayHandler) (end int64, torn bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, err := readRecord(r)
		switch {
		case err == io.EOF:
			return end, false, nil
		case err == io.ErrUnexpectedEOF:
			return end, true, nil
		case err != nil:
			return end, false, fmt.Errorf("%s: offset %d: %w", path, end, err)
		}

		end += int64(headerSize + len(rec.Data) + 4)
		if err := fn(rec); err != nil {
			return end, false, err
		}
	}
}

func readRecord(r io.Reader) (*Record, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	t := RecordType(header[0])
	seq := binary.BigEndian.Uint64(header[1:9])
	ts := binary.BigEndian.Uint64(header[9:17])
	l := binary.BigEndian.Uint32(header[17:21])

	data := make([]byte, int(l)+4)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	payload := data[:l]
	crc := binary.BigEndian.Uint32(data[l:])

	if !CRC32Valid(append(header, payload...), crc) {
		return nil, ErrCorrupt
	}

	return &Record{
		Type: t,
		Seq:  seq,
		Time: int64(ts),
		Data: payload,
	}, nil
}

// maxSeqInSegment returns the highest sequence in a segment, for
// snapshot-based truncation.
func maxSeqInSegment(path string) (uint64, error) {
	var max uint64
	_, _, err := readSegment(path, func(rec *Record) error {
		if rec.Seq > max {
			max = rec.Seq
		}
		return nil
	})
	return max, err
}

// repairTail cuts a torn final frame off the newest segment holding data,
// so records appended after a restart follow the last complete one.
func repairTail(files []string) error {
	for i := len(files) - 1; i >= 0; i-- {
		info, err := os.Stat(files[i])
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			continue
		}

		end, torn, err := readSegment(files[i], func(*Record) error { return nil })
		if err != nil {
			return err
		}
		if torn {
			if err := os.Truncate(files[i], end); err != nil {
				return fmt.Errorf("truncate torn tail: %w", err)
			}
		}
		return nil
	}
	return nil
}

func allEmpty(files []string) (bool, error) {
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		if info.Size() > 0 {
			return false, nil
		}
	}
	return true, nil
}
