package outbox

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func openTest(t *testing.T, maxRetries uint32) *Outbox {
	t.Helper()
	o, err := Open(t.TempDir(), Options{MaxRetries: maxRetries})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func collect(t *testing.T, o *Outbox, s State) []Event {
	t.Helper()
	var out []Event
	require.NoError(t, o.Scan(s, func(e Event) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestPutNewIsIdempotent(t *testing.T) {
	o := openTest(t, 3)

	require.NoError(t, o.PutNew(1, 10, []byte(`{"order_id":1}`)))
	require.NoError(t, o.MarkAcked(1))
	require.NoError(t, o.PutNew(1, 99, []byte(`other`)))

	e, err := o.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StateAcked, e.State)
	assert.Equal(t, uint64(10), e.Seq)
	assert.Equal(t, `{"order_id":1}`, string(e.Payload))
}

func TestLifecycle(t *testing.T) {
	o := openTest(t, 3)
	require.NoError(t, o.PutNew(2, 5, []byte("b")))
	require.NoError(t, o.PutNew(1, 4, []byte("a")))

	pending := collect(t, o, StateNew)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(1), pending[0].OrderID)

	require.NoError(t, o.MarkSent(1))
	assert.Len(t, collect(t, o, StateSent), 1)

	require.NoError(t, o.MarkAcked(1))
	assert.Len(t, collect(t, o, StateAcked), 1)
	assert.Len(t, collect(t, o, StateNew), 1)
}

func TestMarkFailedParksAfterMaxRetries(t *testing.T) {
	o := openTest(t, 2)
	require.NoError(t, o.PutNew(1, 1, nil))

	state, err := o.MarkFailed(1)
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)

	state, err = o.MarkFailed(1)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	e, err := o.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), e.Retries)
}

func TestDeleteAckedUpTo(t *testing.T) {
	o := openTest(t, 3)
	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, o.PutNew(id, id*10, nil))
	}
	require.NoError(t, o.MarkAcked(1))
	require.NoError(t, o.MarkAcked(3))

	n, err := o.DeleteAckedUpTo(20)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = o.Get(1)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = o.Get(2)
	require.NoError(t, err)
	_, err = o.Get(3)
	require.NoError(t, err)
}

func TestMarkUnknown(t *testing.T) {
	o := openTest(t, 3)
	require.ErrorIs(t, o.MarkAcked(42), ErrNotFound)
}

func TestPebbleLogsThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	l := pebbleLogger{log: zerolog.New(&buf).With().Str("component", "pebble").Logger()}

	l.Infof("flushed %d tables", 3)

	line := buf.String()
	assert.Equal(t, "info", gjson.Get(line, "level").String())
	assert.Equal(t, "pebble", gjson.Get(line, "component").String())
	assert.Equal(t, "flushed 3 tables", gjson.Get(line, "message").String())
}

func TestOpenWithLogger(t *testing.T) {
	var buf bytes.Buffer
	o, err := Open(t.TempDir(), Options{Log: zerolog.New(&buf)})
	require.NoError(t, err)
	require.NoError(t, o.PutNew(1, 1, []byte("x")))
	require.NoError(t, o.Close())

	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		assert.Equal(t, "pebble", gjson.GetBytes(line, "component").String())
	}
}
