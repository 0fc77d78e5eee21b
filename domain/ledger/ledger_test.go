package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "midna/domain/errors"
	"midna/domain/registrar"
)

const (
	authority Party = "keeper"
	seller    Party = "S"
	buyer     Party = "B"
)

func newTestLedger(t *testing.T, policy SettlementPolicy) (*Ledger, *registrar.Registrar) {
	t.Helper()

	reg := registrar.New()
	capability, err := reg.Bind()
	require.NoError(t, err)

	l, err := New(Config{
		Authority:  authority,
		Registrar:  reg,
		Capability: capability,
		Policy:     policy,
		Now:        func() time.Time { return time.Unix(1700000000, 0) },
	})
	require.NoError(t, err)
	return l, reg
}

func TestNewRequiresAuthorityAndCapability(t *testing.T) {
	reg := registrar.New()
	capability, err := reg.Bind()
	require.NoError(t, err)

	_, err = New(Config{Registrar: reg, Capability: capability})
	require.Error(t, err)

	_, err = New(Config{Authority: authority, Registrar: reg})
	require.Error(t, err)
}

func TestEndToEndSettlement(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.Deposit(seller, 1_000_000, ""))

	require.NoError(t, l.CreateOrder(authority, 1, seller, 10_000_000, 1_000_000))
	o, err := l.Order(1)
	require.NoError(t, err)
	assert.Equal(t, Created, o.State)
	assert.Empty(t, o.Buyer)
	assert.Equal(t, uint64(1_000_000), l.Locked())
	assert.Zero(t, l.AvailableBalance(seller))

	require.NoError(t, l.FulfillOrder(buyer, 1))
	o, err = l.Order(1)
	require.NoError(t, err)
	assert.Equal(t, buyer, o.Buyer)
	assert.Equal(t, Fulfilled, o.State)

	require.NoError(t, l.Settle(authority, 1, "ref://abc"))
	o, err = l.Order(1)
	require.NoError(t, err)
	assert.Equal(t, Settled, o.State)
	assert.Equal(t, "ref://abc", o.MetadataRef)
	assert.Equal(t, uint64(1), l.BalanceOf(1, seller))
	assert.Equal(t, uint64(1), l.BalanceOf(1, buyer))

	ref, ok := l.MetadataOf(1)
	require.True(t, ok)
	assert.Equal(t, "ref://abc", ref)

	assert.Zero(t, l.Locked())
	assert.Equal(t, uint64(1_000_000), l.AvailableBalance(seller))
}

func TestSettleExactlyOnce(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.Deposit(seller, 500, ""))
	require.NoError(t, l.CreateOrder(seller, 7, seller, 1000, 500))
	require.NoError(t, l.FulfillOrder(buyer, 7))
	require.NoError(t, l.Settle(authority, 7, "ipfs://one"))

	err := l.Settle(authority, 7, "ipfs://two")
	require.ErrorIs(t, err, apperrors.ErrDuplicateSettlement)

	assert.Equal(t, uint64(1), l.BalanceOf(7, seller))
	assert.Equal(t, uint64(1), l.BalanceOf(7, buyer))
	ref, _ := l.MetadataOf(7)
	assert.Equal(t, "ipfs://one", ref)
	assert.Equal(t, uint64(500), l.AvailableBalance(seller))
}

func TestFulfillAfterSettlementFails(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.CreateOrder(authority, 1, seller, 100, 0))
	require.NoError(t, l.FulfillOrder(buyer, 1))
	require.NoError(t, l.Settle(authority, 1, "URI"))

	err := l.FulfillOrder(buyer, 1)
	require.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.Equal(t, uint64(1), l.BalanceOf(1, seller))
	assert.Equal(t, uint64(1), l.BalanceOf(1, buyer))
}

func TestCreateOrderInsufficientFunds(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.Deposit(seller, 10, ""))

	err := l.CreateOrder(authority, 1, seller, 10_000_000, 1_000_000)
	require.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	_, err = l.Order(1)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, uint64(10), l.AvailableBalance(seller))
	assert.Zero(t, l.Locked())
}

func TestCreateOrderRejections(t *testing.T) {
	tests := []struct {
		name   string
		caller Party
		id     uint64
		seller Party
		want   error
	}{
		{name: "stranger", caller: "mallory", id: 2, seller: seller, want: apperrors.ErrUnauthorized},
		{name: "anonymous", caller: "", id: 2, seller: seller, want: apperrors.ErrUnauthorized},
		{name: "authority as seller", caller: authority, id: 2, seller: authority, want: apperrors.ErrUnauthorized},
		{name: "missing seller", caller: authority, id: 2, seller: "", want: apperrors.ErrInvalidArgument},
		{name: "reused id", caller: seller, id: 1, seller: seller, want: apperrors.ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger(t, nil)
			require.NoError(t, l.CreateOrder(seller, 1, seller, 1, 0))

			require.ErrorIs(t, l.CheckCreateOrder(tt.caller, tt.id, tt.seller, 0), tt.want)
			require.ErrorIs(t, l.CreateOrder(tt.caller, tt.id, tt.seller, 1, 0), tt.want)
		})
	}
}

func TestOrderIDNeverReusedAfterSettlement(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.CreateOrder(seller, 1, seller, 1, 0))
	require.NoError(t, l.FulfillOrder(buyer, 1))
	require.NoError(t, l.Settle(authority, 1, "ref"))

	require.ErrorIs(t, l.CreateOrder(seller, 1, seller, 1, 0), apperrors.ErrInvalidState)
}

func TestFulfillAuthorization(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.CreateOrder(seller, 1, seller, 1, 0))

	require.ErrorIs(t, l.FulfillOrder(seller, 1), apperrors.ErrSelfTrade)
	require.ErrorIs(t, l.FulfillOrder(authority, 1), apperrors.ErrUnauthorized)
	require.ErrorIs(t, l.FulfillOrder("", 1), apperrors.ErrUnauthorized)
	require.ErrorIs(t, l.FulfillOrder(buyer, 99), apperrors.ErrNotFound)

	o, err := l.Order(1)
	require.NoError(t, err)
	assert.Equal(t, Created, o.State)

	require.NoError(t, l.FulfillOrder(buyer, 1))
	require.ErrorIs(t, l.FulfillOrder("C", 1), apperrors.ErrInvalidState)
	o, _ = l.Order(1)
	assert.Equal(t, buyer, o.Buyer)
}

func TestSettleAuthorization(t *testing.T) {
	l, reg := newTestLedger(t, nil)
	require.NoError(t, l.CreateOrder(seller, 1, seller, 1, 0))

	require.ErrorIs(t, l.Settle(authority, 1, "ref"), apperrors.ErrInvalidState)
	require.NoError(t, l.FulfillOrder(buyer, 1))

	for _, caller := range []Party{seller, buyer, "", "mallory"} {
		require.ErrorIs(t, l.Settle(caller, 1, "ref"), apperrors.ErrUnauthorized, "caller %q", caller)
	}
	require.ErrorIs(t, l.Settle(authority, 1, ""), apperrors.ErrInvalidArgument)
	require.ErrorIs(t, l.Settle(authority, 2, "ref"), apperrors.ErrNotFound)

	o, _ := l.Order(1)
	assert.Equal(t, Fulfilled, o.State)
	assert.Zero(t, reg.BalanceOf(1, string(seller)))
	_, ok := reg.MetadataOf(1)
	assert.False(t, ok)
}

func TestDispute(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.CreateOrder(seller, 1, seller, 1, 0))

	require.ErrorIs(t, l.Dispute("mallory", 1), apperrors.ErrUnauthorized)
	require.NoError(t, l.Dispute(seller, 1))
	require.NoError(t, l.Dispute(seller, 1))
	require.NoError(t, l.FulfillOrder(buyer, 1))
	require.NoError(t, l.Dispute(buyer, 1))
	require.NoError(t, l.Settle(authority, 1, "ref"))

	o, _ := l.Order(1)
	assert.True(t, o.Disputed)
	require.ErrorIs(t, l.Dispute(authority, 1), apperrors.ErrInvalidState)
}

func TestSettlementPolicies(t *testing.T) {
	tests := []struct {
		name       string
		policy     SettlementPolicy
		disputed   bool
		wantSeller uint64
		wantBuyer  uint64
	}{
		{name: "seller proceeds", policy: SellerProceeds, disputed: true, wantSeller: 101},
		{name: "refund buyer undisputed", policy: RefundBuyerOnDispute, wantSeller: 101},
		{name: "refund buyer disputed", policy: RefundBuyerOnDispute, disputed: true, wantBuyer: 101},
		{name: "split disputed", policy: SplitOnDispute, disputed: true, wantSeller: 51, wantBuyer: 50},
		{name: "split undisputed", policy: SplitOnDispute, wantSeller: 101},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger(t, tt.policy)
			require.NoError(t, l.Deposit(seller, 101, ""))
			require.NoError(t, l.CreateOrder(seller, 1, seller, 5000, 101))
			require.NoError(t, l.FulfillOrder(buyer, 1))
			if tt.disputed {
				require.NoError(t, l.Dispute(buyer, 1))
			}
			require.NoError(t, l.Settle(authority, 1, "ref"))

			assert.Equal(t, tt.wantSeller, l.AvailableBalance(seller))
			assert.Equal(t, tt.wantBuyer, l.AvailableBalance(buyer))
			assert.Zero(t, l.Locked())
		})
	}
}

func TestBadPolicyLeavesOrderUntouched(t *testing.T) {
	tests := []struct {
		name   string
		policy SettlementPolicy
	}{
		{name: "short", policy: func(o Order) (Payout, error) { return Payout{o.Seller: o.CollateralAmount - 1}, nil }},
		{name: "outsider", policy: func(o Order) (Payout, error) { return Payout{"mallory": o.CollateralAmount}, nil }},
		{name: "error", policy: func(Order) (Payout, error) { return nil, errors.New("undecided") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, reg := newTestLedger(t, tt.policy)
			require.NoError(t, l.Deposit(seller, 10, ""))
			require.NoError(t, l.CreateOrder(seller, 1, seller, 1, 10))
			require.NoError(t, l.FulfillOrder(buyer, 1))

			require.ErrorIs(t, l.Settle(authority, 1, "ref"), apperrors.ErrInvalidPayout)

			o, _ := l.Order(1)
			assert.Equal(t, Fulfilled, o.State)
			assert.Equal(t, uint64(10), l.Locked())
			assert.Zero(t, reg.BalanceOf(1, string(seller)))
		})
	}
}

func TestSettleRejectsPreMintedHolder(t *testing.T) {
	reg := registrar.New()
	capability, err := reg.Bind()
	require.NoError(t, err)
	l, err := New(Config{Authority: authority, Registrar: reg, Capability: capability})
	require.NoError(t, err)

	require.NoError(t, l.CreateOrder(seller, 1, seller, 1, 0))
	require.NoError(t, l.FulfillOrder(buyer, 1))
	require.NoError(t, reg.MintCompletion(capability, 1, string(buyer)))

	require.ErrorIs(t, l.Settle(authority, 1, "ref"), apperrors.ErrDuplicateMint)
	o, _ := l.Order(1)
	assert.Equal(t, Fulfilled, o.State)
	assert.Zero(t, reg.BalanceOf(1, string(seller)))
}

func TestEscrowConservation(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.Deposit(seller, 1000, ""))

	amounts := map[uint64]uint64{1: 100, 2: 250, 3: 50}
	for id, c := range amounts {
		require.NoError(t, l.CreateOrder(seller, id, seller, 1, c))
	}
	require.NoError(t, l.FulfillOrder(buyer, 2))
	require.NoError(t, l.FulfillOrder(buyer, 3))
	require.NoError(t, l.Settle(authority, 3, "ref"))

	var open uint64
	for id := range amounts {
		o, err := l.Order(id)
		require.NoError(t, err)
		if o.State != Settled {
			open += o.CollateralAmount
		}
	}
	assert.Equal(t, open, l.Locked())
	assert.Equal(t, uint64(350), l.Locked())
	assert.Equal(t, uint64(1000-350), l.AvailableBalance(seller))
}

func TestConcurrentSettleMintsOnce(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.CreateOrder(seller, 1, seller, 1, 0))
	require.NoError(t, l.FulfillOrder(buyer, 1))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Settle(authority, 1, "ref") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, uint64(1), l.BalanceOf(1, seller))
	assert.Equal(t, uint64(1), l.BalanceOf(1, buyer))
}

func TestLifecycleIsMonotonic(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.CreateOrder(seller, 1, seller, 1, 0))

	var seen []State
	observe := func() {
		o, err := l.Order(1)
		require.NoError(t, err)
		if len(seen) == 0 || seen[len(seen)-1] != o.State {
			seen = append(seen, o.State)
		}
	}

	attempts := []func() error{
		func() error { return l.Settle(authority, 1, "ref") },
		func() error { return l.FulfillOrder(buyer, 1) },
		func() error { return l.FulfillOrder("C", 1) },
		func() error { return l.Settle(authority, 1, "ref") },
		func() error { return l.FulfillOrder(buyer, 1) },
		func() error { return l.Settle(authority, 1, "ref") },
	}
	observe()
	for _, attempt := range attempts {
		_ = attempt()
		observe()
	}

	assert.Equal(t, []State{Created, Fulfilled, Settled}, seen)
}

func TestExportRestore(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.Deposit(seller, 40, ""))
	require.NoError(t, l.CreateOrder(seller, 2, seller, 9, 30))
	require.NoError(t, l.CreateOrder(seller, 1, seller, 9, 10))
	require.NoError(t, l.FulfillOrder(buyer, 1))

	snap := l.Export()
	require.Len(t, snap.Orders, 2)
	assert.Equal(t, uint64(1), snap.Orders[0].ID)

	restored, _ := newTestLedger(t, nil)
	restored.Restore(snap)

	o, err := restored.Order(1)
	require.NoError(t, err)
	assert.Equal(t, buyer, o.Buyer)
	assert.Equal(t, uint64(40), restored.Locked())
	require.NoError(t, restored.Settle(authority, 1, "ref"))
	assert.Equal(t, uint64(10), restored.AvailableBalance(seller))
}

func TestDepositReferenceAppliedOnce(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	require.NoError(t, l.Deposit(seller, 5, "tx-1"))
	require.ErrorIs(t, l.CheckDeposit(seller, 5, "tx-1"), apperrors.ErrInvalidState)
	require.ErrorIs(t, l.Deposit(seller, 5, "tx-1"), apperrors.ErrInvalidState)
	require.NoError(t, l.Deposit(seller, 5, ""))
	require.NoError(t, l.Deposit(seller, 5, ""))
	assert.Equal(t, uint64(15), l.AvailableBalance(seller))

	require.ErrorIs(t, l.Deposit("", 5, ""), apperrors.ErrInvalidArgument)
	require.ErrorIs(t, l.Deposit(seller, 0, ""), apperrors.ErrInvalidArgument)

	restored, _ := newTestLedger(t, nil)
	restored.Restore(l.Export())
	require.ErrorIs(t, restored.Deposit(seller, 5, "tx-1"), apperrors.ErrInvalidState)
}

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{"", "seller", "buyer", "split"} {
		p, err := PolicyByName(name)
		require.NoError(t, err)
		require.NotNil(t, p)
	}
	_, err := PolicyByName("coinflip")
	require.Error(t, err)
}

func TestSettleWithPayoutIgnoresPolicy(t *testing.T) {
	l, _ := newTestLedger(t, RefundBuyerOnDispute)
	require.NoError(t, l.Deposit(seller, 1000, ""))
	require.NoError(t, l.CreateOrder(seller, 1, seller, 5000, 1000))
	require.NoError(t, l.FulfillOrder(buyer, 1))
	require.NoError(t, l.Dispute(buyer, 1))

	require.NoError(t, l.SettleWithPayout(authority, 1, "ref", Payout{seller: 1000}))
	assert.Equal(t, uint64(1000), l.AvailableBalance(seller))
	assert.Zero(t, l.AvailableBalance(buyer))
	assert.Zero(t, l.Locked())
}

func TestSettleWithPayoutValidates(t *testing.T) {
	tests := []struct {
		name   string
		payout Payout
	}{
		{name: "missing", payout: nil},
		{name: "short", payout: Payout{seller: 999}},
		{name: "outsider", payout: Payout{"mallory": 1000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, reg := newTestLedger(t, nil)
			require.NoError(t, l.Deposit(seller, 1000, ""))
			require.NoError(t, l.CreateOrder(seller, 1, seller, 5000, 1000))
			require.NoError(t, l.FulfillOrder(buyer, 1))

			require.ErrorIs(t, l.SettleWithPayout(authority, 1, "ref", tt.payout), apperrors.ErrInvalidPayout)

			o, _ := l.Order(1)
			assert.Equal(t, Fulfilled, o.State)
			assert.Equal(t, uint64(1000), l.Locked())
			assert.Zero(t, reg.BalanceOf(1, string(buyer)))
		})
	}
}

func TestPlanSettleChangesNothing(t *testing.T) {
	l, reg := newTestLedger(t, SplitOnDispute)
	require.NoError(t, l.Deposit(seller, 101, ""))
	require.NoError(t, l.CreateOrder(seller, 1, seller, 5000, 101))
	require.NoError(t, l.FulfillOrder(buyer, 1))
	require.NoError(t, l.Dispute(seller, 1))

	payout, err := l.PlanSettle(authority, 1, "ref")
	require.NoError(t, err)
	assert.Equal(t, Payout{seller: 51, buyer: 50}, payout)

	o, _ := l.Order(1)
	assert.Equal(t, Fulfilled, o.State)
	assert.Equal(t, uint64(101), l.Locked())
	assert.Zero(t, reg.BalanceOf(1, string(seller)))

	_, err = l.PlanSettle(seller, 1, "ref")
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}
