package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"midna/api/grpcserver"
	"midna/api/rpc"
	"midna/infra/outbox"
	"midna/infra/sequence"
	entrywal "midna/infra/wal/entry"
	"midna/service"
)

type fakePinner struct {
	authErr error
	pinned  []any
}

func (p *fakePinner) TestAuthentication(context.Context) error { return p.authErr }

func (p *fakePinner) PinJSON(_ context.Context, _ string, content any) (string, error) {
	p.pinned = append(p.pinned, content)
	return "ipfs://bafytest", nil
}

type harness struct {
	lis    *bufconn.Listener
	pinner *fakePinner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	w, err := entrywal.Open(entrywal.Config{Dir: filepath.Join(dir, "wal")})
	require.NoError(t, err)
	ob, err := outbox.Open(filepath.Join(dir, "outbox"), outbox.Options{})
	require.NoError(t, err)
	svc, err := service.New(service.Config{
		Authority: "keeper",
		WAL:       w,
		Outbox:    ob,
		Sequencer: sequence.New(0),
		Log:       zerolog.Nop(),
	})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rpc.RegisterSettlementServer(srv, grpcserver.NewServer(svc, zerolog.Nop()))
	go func() { _ = srv.Serve(lis) }()

	t.Cleanup(func() {
		srv.Stop()
		_ = w.Close()
		_ = ob.Close()
	})
	return &harness{lis: lis, pinner: &fakePinner{}}
}

// run executes one midnactl invocation and returns its stdout.
func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	c := newCLI(&out, &errOut)
	c.dial = func(string) (*grpc.ClientConn, error) {
		return grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return h.lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}
	c.newPinner = func() (pinner, string, error) { return h.pinner, "midna-test", nil }

	cmd := c.root()
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSettleFlowPinsMetadata(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "--as", "keeper", "deposit", "S", "1000000", "--ref", "wire-1")
	require.NoError(t, err)
	_, err = h.run(t, "--as", "S", "create", "1", "--price", "10000000", "--collateral", "1000000")
	require.NoError(t, err)
	_, err = h.run(t, "--as", "B", "fulfill", "1")
	require.NoError(t, err)

	out, err := h.run(t, "--as", "keeper", "settle", "1")
	require.NoError(t, err)
	var resp rpc.CommandResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, uint64(4), resp.Seq)
	require.Len(t, h.pinner.pinned, 1)

	out, err = h.run(t, "metadata", "1")
	require.NoError(t, err)
	var md rpc.MetadataResponse
	require.NoError(t, json.Unmarshal([]byte(out), &md))
	assert.True(t, md.Found)
	assert.Equal(t, "ipfs://bafytest", md.MetadataRef)

	out, err = h.run(t, "balance", "1", "B")
	require.NoError(t, err)
	var bal rpc.BalanceResponse
	require.NoError(t, json.Unmarshal([]byte(out), &bal))
	assert.Equal(t, uint64(1), bal.Units)

	out, err = h.run(t, "available", "S")
	require.NoError(t, err)
	var avail rpc.AvailableBalanceResponse
	require.NoError(t, json.Unmarshal([]byte(out), &avail))
	assert.Equal(t, uint64(1000000), avail.Available)
}

func TestSettleWithExplicitRefSkipsPinning(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "--as", "S", "create", "2")
	require.NoError(t, err)
	_, err = h.run(t, "--as", "B", "fulfill", "2")
	require.NoError(t, err)
	_, err = h.run(t, "--as", "B", "dispute", "2")
	require.NoError(t, err)
	_, err = h.run(t, "--as", "keeper", "settle", "2", "--ref", "ref://manual")
	require.NoError(t, err)
	assert.Empty(t, h.pinner.pinned)

	out, err := h.run(t, "get", "2")
	require.NoError(t, err)
	var o rpc.Order
	require.NoError(t, json.Unmarshal([]byte(out), &o))
	assert.Equal(t, "SETTLED", o.State)
	assert.True(t, o.Disputed)
	assert.Equal(t, "ref://manual", o.MetadataRef)
}

func TestPinningFailureAbortsSettle(t *testing.T) {
	h := newHarness(t)
	h.pinner.authErr = errors.New("bad jwt")

	_, err := h.run(t, "--as", "S", "create", "3")
	require.NoError(t, err)
	_, err = h.run(t, "--as", "B", "fulfill", "3")
	require.NoError(t, err)

	_, err = h.run(t, "--as", "keeper", "settle", "3")
	require.ErrorContains(t, err, "bad jwt")

	out, err := h.run(t, "get", "3")
	require.NoError(t, err)
	var o rpc.Order
	require.NoError(t, json.Unmarshal([]byte(out), &o))
	assert.Equal(t, "FULFILLED", o.State)
}

func TestRejectsBadArguments(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "get", "abc")
	require.ErrorContains(t, err, "invalid order id")

	_, err = h.run(t, "fulfill")
	require.Error(t, err)
}
