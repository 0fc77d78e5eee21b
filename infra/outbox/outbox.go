// Package outbox durably queues settlement events until the broadcaster has
// delivered them.
package outbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotFound is returned by Get for an order with no queued event.
var ErrNotFound = errors.New("outbox: event not found")

// -------------------- Event --------------------

// Event is one queued settlement notification.
type Event struct {
	OrderID     uint64
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

const valueHeader = 1 + 4 + 8 + 8

// binary encoding: [state:1][retries:4][lastAttempt:8][seq:8][payload]
func encodeEvent(e Event) []byte {
	buf := make([]byte, valueHeader+len(e.Payload))
	buf[0] = byte(e.State)
	binary.BigEndian.PutUint32(buf[1:5], e.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(e.LastAttempt))
	binary.BigEndian.PutUint64(buf[13:21], e.Seq)
	copy(buf[valueHeader:], e.Payload)
	return buf
}

func decodeEvent(orderID uint64, b []byte) (Event, error) {
	if len(b) < valueHeader {
		return Event{}, fmt.Errorf("outbox: short record for order %d", orderID)
	}
	return Event{
		OrderID:     orderID,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Seq:         binary.BigEndian.Uint64(b[13:21]),
		Payload:     append([]byte(nil), b[valueHeader:]...),
	}, nil
}

// -------------------- Outbox --------------------

type Options struct {
	// MaxRetries is how many failed deliveries turn an event FAILED.
	MaxRetries uint32
	// Log receives pebble's own messages. The zero value discards them.
	Log zerolog.Logger
}

// pebbleLogger routes pebble's printf-style logging into zerolog.
type pebbleLogger struct {
	log zerolog.Logger
}

var _ pebble.Logger = pebbleLogger{}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}

// Fatalf exits the process, matching pebble's default logger.
func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.log.Fatal().Msgf(format, args...)
	// a discarding logger never reaches zerolog's exit
	os.Exit(1)
}

type Outbox struct {
	mu         sync.Mutex
	db         *pebble.DB
	maxRetries uint32
}

func Open(dir string, opts Options) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		Logger: pebbleLogger{log: opts.Log.With().Str("component", "pebble").Logger()},
	})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 10
	}
	return &Outbox{db: db, maxRetries: opts.MaxRetries}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// PutNew queues the settlement event for orderID. If an event already
// exists for the order it is left untouched, which makes WAL replay safe.
func (o *Outbox) PutNew(orderID, seq uint64, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.get(orderID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return o.put(Event{OrderID: orderID, Seq: seq, State: StateNew, Payload: payload})
}

// Get returns the event queued for orderID.
func (o *Outbox) Get(orderID uint64) (Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.get(orderID)
}

// MarkSent records a delivery attempt in flight.
func (o *Outbox) MarkSent(orderID uint64) error {
	return o.update(orderID, func(e *Event) {
		e.State = StateSent
		e.LastAttempt = time.Now().UnixNano()
	})
}

// MarkAcked records a confirmed delivery.
func (o *Outbox) MarkAcked(orderID uint64) error {
	return o.update(orderID, func(e *Event) {
		e.State = StateAcked
	})
}

// MarkFailed counts a failed delivery. The event returns to NEW for
// another attempt until MaxRetries is reached, then it is parked as FAILED.
func (o *Outbox) MarkFailed(orderID uint64) (State, error) {
	var state State
	err := o.update(orderID, func(e *Event) {
		e.Retries++
		e.LastAttempt = time.Now().UnixNano()
		if e.Retries >= o.maxRetries {
			e.State = StateFailed
		} else {
			e.State = StateNew
		}
		state = e.State
	})
	return state, err
}

// -------------------- Scan --------------------

// Scan iterates all events in the given state, in order id order.
func (o *Outbox) Scan(state State, fn func(Event) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		id, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		e, err := decodeEvent(id, iter.Value())
		if err != nil {
			return err
		}
		if e.State != state {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// DeleteAckedUpTo removes delivered events whose WAL sequence is at or
// below seq. It runs after a snapshot makes those records unreplayable.
func (o *Outbox) DeleteAckedUpTo(seq uint64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	batch := o.db.NewBatch()
	defer batch.Close()

	removed := 0
	err := o.Scan(StateAcked, func(e Event) error {
		if e.Seq > seq {
			return nil
		}
		removed++
		return batch.Delete(keyFor(e.OrderID), nil)
	})
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return removed, nil
}

// -------------------- Helpers --------------------

func (o *Outbox) update(orderID uint64, fn func(*Event)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, err := o.get(orderID)
	if err != nil {
		return err
	}
	fn(&e)
	return o.put(e)
}

func (o *Outbox) get(orderID uint64) (Event, error) {
	val, closer, err := o.db.Get(keyFor(orderID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Event{}, ErrNotFound
		}
		return Event{}, err
	}
	defer closer.Close()

	return decodeEvent(orderID, val)
}

func (o *Outbox) put(e Event) error {
	return o.db.Set(keyFor(e.OrderID), encodeEvent(e), pebble.Sync)
}

const keyPrefix = "settled/"

func keyFor(orderID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, orderID))
}

func parseKey(b []byte) (uint64, error) {
	var id uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte(keyPrefix))), "%d", &id)
	return id, err
}
