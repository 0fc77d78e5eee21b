package ledger

import (
	"math"
	"sync"

	apperrors "midna/domain/errors"
)

// escrowPool is the single authoritative balance ledger. Available balances
// are spendable as collateral; locked is the sum held for open orders.
type escrowPool struct {
	mu        sync.Mutex
	available map[Party]uint64
	locked    uint64
	// refs holds every applied deposit reference.
	refs map[string]struct{}
}

func newEscrowPool() *escrowPool {
	return &escrowPool{available: make(map[Party]uint64), refs: make(map[string]struct{})}
}

func (p *escrowPool) checkDeposit(party Party, amount uint64, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkDepositLocked(party, amount, ref)
}

func (p *escrowPool) checkDepositLocked(party Party, amount uint64, ref string) error {
	if _, seen := p.refs[ref]; ref != "" && seen {
		return apperrors.Newf(apperrors.CodeInvalidState, "deposit %s already applied", ref)
	}
	return p.checkCreditLocked(party, amount)
}

func (p *escrowPool) checkCreditLocked(party Party, amount uint64) error {
	if p.available[party] > math.MaxUint64-amount {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "balance of %s would overflow", party)
	}
	return nil
}

func (p *escrowPool) deposit(party Party, amount uint64, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkDepositLocked(party, amount, ref); err != nil {
		return err
	}
	p.available[party] += amount
	if ref != "" {
		p.refs[ref] = struct{}{}
	}
	return nil
}

func (p *escrowPool) checkLock(party Party, amount uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkLockLocked(party, amount)
}

func (p *escrowPool) checkLockLocked(party Party, amount uint64) error {
	if p.available[party] < amount {
		return apperrors.WithMetadata(apperrors.CodeInsufficientFunds, "collateral exceeds available balance", map[string]string{
			"party": string(party),
		})
	}
	if p.locked > math.MaxUint64-amount {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "escrow total would overflow")
	}
	return nil
}

// lock moves amount from party's available balance into escrow.
func (p *escrowPool) lock(party Party, amount uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLockLocked(party, amount); err != nil {
		return err
	}
	p.available[party] -= amount
	p.locked += amount
	return nil
}

func (p *escrowPool) checkRelease(payout Payout, amount uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.locked < amount {
		return apperrors.Newf(apperrors.CodeInvalidPayout, "release of %d exceeds escrow total %d", amount, p.locked)
	}
	for party, n := range payout {
		if err := p.checkCreditLocked(party, n); err != nil {
			return err
		}
	}
	return nil
}

// release removes amount from escrow and credits the payout. Callers run
// checkRelease first under the same order lock; release itself cannot fail.
func (p *escrowPool) release(payout Payout, amount uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.locked -= amount
	for party, n := range payout {
		p.available[party] += n
	}
}

func (p *escrowPool) balance(party Party) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available[party]
}

func (p *escrowPool) lockedTotal() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}
