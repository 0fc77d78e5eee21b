// Package registrar tracks completion records: one unit per (order, holder),
// minted at settlement, bound to the order's metadata reference.
package registrar

import (
	"errors"
	"sync"

	apperrors "midna/domain/errors"
)

// ErrAlreadyBound is returned when Bind is called a second time.
var ErrAlreadyBound = errors.New("registrar: mint capability already bound")

// Capability is the mint authority handed out once by Bind. Only the
// holder of the bound pointer may mint.
type Capability struct {
	_ byte
}

// Registrar holds per-order, per-holder completion balances.
type Registrar struct {
	mu       sync.RWMutex
	bound    *Capability
	balances map[uint64]map[string]uint64
	metadata map[uint64]string
}

func New() *Registrar {
	return &Registrar{
		balances: make(map[uint64]map[string]uint64),
		metadata: make(map[uint64]string),
	}
}

// Bind performs the one-time ownership handoff and returns the capability
// that must accompany every mint.
func (r *Registrar) Bind() (*Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bound != nil {
		return nil, ErrAlreadyBound
	}
	r.bound = &Capability{}
	return r.bound, nil
}

// MintCompletion mints one unit of orderID's completion record to holder.
func (r *Registrar) MintCompletion(c *Capability, orderID uint64, holder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkMint(c, orderID, []string{holder}); err != nil {
		return err
	}
	r.credit(orderID, holder)
	return nil
}

// Issue mints one unit to every holder and associates metadataRef with the
// order. Either every mint happens or none does.
func (r *Registrar) Issue(c *Capability, orderID uint64, metadataRef string, holders ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkMint(c, orderID, holders); err != nil {
		return err
	}
	for _, h := range holders {
		r.credit(orderID, h)
	}
	r.metadata[orderID] = metadataRef
	return nil
}

// CheckIssue reports the error Issue would return without minting.
func (r *Registrar) CheckIssue(c *Capability, orderID uint64, holders ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkMint(c, orderID, holders)
}

func (r *Registrar) checkMint(c *Capability, orderID uint64, holders []string) error {
	if c == nil || r.bound == nil || c != r.bound {
		return apperrors.Newf(apperrors.CodeUnauthorized, "mint for order %d without the bound capability", orderID)
	}
	seen := make(map[string]struct{}, len(holders))
	for _, h := range holders {
		if h == "" {
			return apperrors.Newf(apperrors.CodeInvalidArgument, "empty holder for order %d", orderID)
		}
		if _, dup := seen[h]; dup {
			return apperrors.Newf(apperrors.CodeDuplicateMint, "holder %s listed twice for order %d", h, orderID)
		}
		seen[h] = struct{}{}
		if r.balances[orderID][h] > 0 {
			return apperrors.Newf(apperrors.CodeDuplicateMint, "holder %s already holds order %d", h, orderID)
		}
	}
	return nil
}

func (r *Registrar) credit(orderID uint64, holder string) {
	byHolder, ok := r.balances[orderID]
	if !ok {
		byHolder = make(map[string]uint64, 2)
		r.balances[orderID] = byHolder
	}
	byHolder[holder]++
}

// BalanceOf returns holder's unit count for orderID; zero if never minted.
func (r *Registrar) BalanceOf(orderID uint64, holder string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.balances[orderID][holder]
}

// MetadataOf returns the metadata reference recorded at settlement.
// ok is false while the order is unsettled.
func (r *Registrar) MetadataOf(orderID uint64) (ref string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok = r.metadata[orderID]
	return ref, ok
}

// Holders lists everyone holding a unit of orderID.
func (r *Registrar) Holders(orderID uint64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.balances[orderID]))
	for h := range r.balances[orderID] {
		out = append(out, h)
	}
	return out
}
