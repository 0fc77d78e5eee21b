// Package ledger owns order records, escrowed collateral and the
// Created → Fulfilled → Settled lifecycle.
//
// Every mutating operation validates completely before it changes anything,
// so a failure never leaves partial state behind. Operations on one order
// are serialized by that order's lock; different orders proceed
// independently and share only the escrow pool, which serializes itself.
package ledger

import (
	"errors"
	"sync"
	"time"

	apperrors "midna/domain/errors"
	"midna/domain/registrar"
)

type Config struct {
	// Authority is the settlement authority. Required.
	Authority Party
	// Registrar receives the completion mints at settlement. Required.
	Registrar *registrar.Registrar
	// Capability is the registrar's bound mint capability. Required.
	Capability *registrar.Capability
	// Policy routes collateral at settlement. Defaults to SellerProceeds.
	Policy SettlementPolicy
	// Now stamps lifecycle timestamps. Defaults to time.Now.
	Now func() time.Time
}

type Ledger struct {
	authority Party
	reg       *registrar.Registrar
	mint      *registrar.Capability
	policy    SettlementPolicy
	now       func() time.Time

	mu     sync.RWMutex
	orders map[uint64]*record

	escrow *escrowPool
}

type record struct {
	mu    sync.Mutex
	order Order
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Authority == "" {
		return nil, errors.New("ledger: settlement authority is required")
	}
	if cfg.Registrar == nil || cfg.Capability == nil {
		return nil, errors.New("ledger: registrar and mint capability are required")
	}
	if cfg.Policy == nil {
		cfg.Policy = SellerProceeds
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		authority: cfg.Authority,
		reg:       cfg.Registrar,
		mint:      cfg.Capability,
		policy:    cfg.Policy,
		now:       cfg.Now,
		orders:    make(map[uint64]*record),
		escrow:    newEscrowPool(),
	}, nil
}

// Authority returns the settlement authority fixed at construction.
func (l *Ledger) Authority() Party {
	return l.authority
}

//
// ──────────────────────────────────────────────────────────
// Funding
// ──────────────────────────────────────────────────────────
//

// Deposit credits party's escrow-eligible balance. A non-empty ref is
// applied at most once; redelivered funding messages are rejected.
func (l *Ledger) Deposit(party Party, amount uint64, ref string) error {
	if err := validateDeposit(party, amount); err != nil {
		return err
	}
	return l.escrow.deposit(party, amount, ref)
}

func (l *Ledger) CheckDeposit(party Party, amount uint64, ref string) error {
	if err := validateDeposit(party, amount); err != nil {
		return err
	}
	return l.escrow.checkDeposit(party, amount, ref)
}

func validateDeposit(party Party, amount uint64) error {
	if party == "" {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "deposit party is required")
	}
	if amount == 0 {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "deposit amount must be positive")
	}
	return nil
}

//
// ──────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────
//

// CreateOrder opens order id for seller and locks collateral out of the
// seller's available balance. The caller must be the seller or the
// settlement authority acting on the seller's behalf.
func (l *Ledger) CreateOrder(caller Party, id uint64, seller Party, basePrice, collateral uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validateCreate(caller, id, seller); err != nil {
		return err
	}
	if err := l.escrow.lock(seller, collateral); err != nil {
		return err
	}
	l.orders[id] = &record{order: Order{
		ID:               id,
		Seller:           seller,
		BasePrice:        basePrice,
		CollateralAmount: collateral,
		State:            Created,
		CreatedAt:        l.now().UTC(),
	}}
	return nil
}

func (l *Ledger) CheckCreateOrder(caller Party, id uint64, seller Party, collateral uint64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.validateCreate(caller, id, seller); err != nil {
		return err
	}
	return l.escrow.checkLock(seller, collateral)
}

func (l *Ledger) validateCreate(caller Party, id uint64, seller Party) error {
	if seller == "" {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "seller is required")
	}
	if caller == "" || (caller != seller && caller != l.authority) {
		return apperrors.Newf(apperrors.CodeUnauthorized, "%q may not create orders for seller %q", caller, seller)
	}
	if seller == l.authority {
		return apperrors.Newf(apperrors.CodeUnauthorized, "settlement authority cannot trade")
	}
	if _, exists := l.orders[id]; exists {
		return apperrors.Newf(apperrors.CodeInvalidState, "order %d already exists", id)
	}
	return nil
}

// FulfillOrder records caller as the buyer of a Created order.
func (l *Ledger) FulfillOrder(caller Party, id uint64) error {
	rec, err := l.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := l.validateFulfill(caller, &rec.order); err != nil {
		return err
	}
	rec.order.Buyer = caller
	rec.order.State = Fulfilled
	rec.order.FulfilledAt = l.now().UTC()
	return nil
}

func (l *Ledger) CheckFulfillOrder(caller Party, id uint64) error {
	rec, err := l.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return l.validateFulfill(caller, &rec.order)
}

func (l *Ledger) validateFulfill(caller Party, o *Order) error {
	if caller == "" || caller == l.authority {
		return apperrors.Newf(apperrors.CodeUnauthorized, "%q may not fulfill orders", caller)
	}
	if caller == o.Seller {
		return apperrors.Newf(apperrors.CodeSelfTrade, "seller %s cannot fulfill own order %d", caller, o.ID)
	}
	if o.State != Created {
		return apperrors.WithMetadata(apperrors.CodeInvalidState, "order is not open for fulfillment", map[string]string{
			"state": o.State.String(),
		})
	}
	return nil
}

// Dispute flags an unsettled order as disputed. Seller, buyer and the
// settlement authority may raise it; repeating it is a no-op.
func (l *Ledger) Dispute(caller Party, id uint64) error {
	rec, err := l.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := l.validateDispute(caller, &rec.order); err != nil {
		return err
	}
	rec.order.Disputed = true
	return nil
}

func (l *Ledger) CheckDispute(caller Party, id uint64) error {
	rec, err := l.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return l.validateDispute(caller, &rec.order)
}

func (l *Ledger) validateDispute(caller Party, o *Order) error {
	if caller == "" || (caller != o.Seller && caller != o.Buyer && caller != l.authority) {
		return apperrors.Newf(apperrors.CodeUnauthorized, "%q is not a party to order %d", caller, o.ID)
	}
	if o.State == Settled {
		return apperrors.Newf(apperrors.CodeInvalidState, "order %d is already settled", o.ID)
	}
	return nil
}

// Settle finalizes a Fulfilled order: collateral leaves escrow per the
// settlement policy, seller and buyer each receive one completion unit
// bound to metadataRef, and the order becomes Settled. metadataRef is
// stored as given.
func (l *Ledger) Settle(caller Party, id uint64, metadataRef string) error {
	return l.settle(caller, id, metadataRef, nil)
}

// SettleWithPayout settles with a payout fixed earlier by PlanSettle
// instead of consulting the current policy. Replay uses it so a settled
// order's routing never depends on the policy configured at restart.
// The payout is held to the same rules as a policy result.
func (l *Ledger) SettleWithPayout(caller Party, id uint64, metadataRef string, payout Payout) error {
	if payout == nil {
		return apperrors.Newf(apperrors.CodeInvalidPayout, "order %d: payout is required", id)
	}
	return l.settle(caller, id, metadataRef, payout)
}

func (l *Ledger) settle(caller Party, id uint64, metadataRef string, fixed Payout) error {
	if err := l.authorizeSettle(caller, metadataRef); err != nil {
		return err
	}
	rec, err := l.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	payout, err := l.prepareSettle(&rec.order, fixed)
	if err != nil {
		return err
	}

	o := &rec.order
	if err := l.reg.Issue(l.mint, o.ID, metadataRef, string(o.Seller), string(o.Buyer)); err != nil {
		return err
	}
	l.escrow.release(payout, o.CollateralAmount)

	o.MetadataRef = metadataRef
	o.State = Settled
	o.SettledAt = l.now().UTC()
	return nil
}

// PlanSettle runs every settlement check without changing anything and
// returns the payout the current policy would apply.
func (l *Ledger) PlanSettle(caller Party, id uint64, metadataRef string) (Payout, error) {
	if err := l.authorizeSettle(caller, metadataRef); err != nil {
		return nil, err
	}
	rec, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return l.prepareSettle(&rec.order, nil)
}

func (l *Ledger) authorizeSettle(caller Party, metadataRef string) error {
	if caller != l.authority {
		return apperrors.Newf(apperrors.CodeUnauthorized, "%q is not the settlement authority", caller)
	}
	if metadataRef == "" {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "metadata reference is required")
	}
	return nil
}

// prepareSettle runs every settlement precondition and returns the payout,
// either fixed or computed by the policy. Callers hold the order's lock.
func (l *Ledger) prepareSettle(o *Order, fixed Payout) (Payout, error) {
	switch o.State {
	case Settled:
		return nil, apperrors.Newf(apperrors.CodeDuplicateSettlement, "order %d is already settled", o.ID)
	case Fulfilled:
	default:
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidState, "order is not fulfilled", map[string]string{
			"state": o.State.String(),
		})
	}

	payout := fixed
	if payout == nil {
		var err error
		if payout, err = l.policy(*o); err != nil {
			return nil, apperrors.Newf(apperrors.CodeInvalidPayout, "order %d: %v", o.ID, err)
		}
	}
	if err := validatePayout(*o, payout); err != nil {
		return nil, err
	}
	if err := l.escrow.checkRelease(payout, o.CollateralAmount); err != nil {
		return nil, err
	}
	if err := l.reg.CheckIssue(l.mint, o.ID, string(o.Seller), string(o.Buyer)); err != nil {
		return nil, err
	}
	return payout, nil
}

//
// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────
//

// Order returns a copy of order id.
func (l *Ledger) Order(id uint64) (Order, error) {
	rec, err := l.lookup(id)
	if err != nil {
		return Order{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.order, nil
}

// AvailableBalance returns party's unlocked funds.
func (l *Ledger) AvailableBalance(party Party) uint64 {
	return l.escrow.balance(party)
}

// Locked returns the total collateral held for unsettled orders.
func (l *Ledger) Locked() uint64 {
	return l.escrow.lockedTotal()
}

// BalanceOf returns holder's completion units for order id.
func (l *Ledger) BalanceOf(id uint64, holder Party) uint64 {
	return l.reg.BalanceOf(id, string(holder))
}

// MetadataOf returns the metadata reference recorded at settlement.
func (l *Ledger) MetadataOf(id uint64) (string, bool) {
	return l.reg.MetadataOf(id)
}

func (l *Ledger) lookup(id uint64) (*record, error) {
	l.mu.RLock()
	rec, ok := l.orders[id]
	l.mu.RUnlock()
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "order %d not found", id)
	}
	return rec, nil
}
