package registrar

import (
	apperrors "midna/domain/errors"
)

// Holding is one (order, holder) balance in a State image.
type Holding struct {
	OrderID uint64
	Holder  string
	Units   uint64
}

// State is a serializable image of the registrar.
type State struct {
	Holdings []Holding
	Metadata map[uint64]string
}

// Export copies the registrar's balances and metadata.
func (r *Registrar) Export() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := State{Metadata: make(map[uint64]string, len(r.metadata))}
	for id, byHolder := range r.balances {
		for h, n := range byHolder {
			s.Holdings = append(s.Holdings, Holding{OrderID: id, Holder: h, Units: n})
		}
	}
	for id, ref := range r.metadata {
		s.Metadata[id] = ref
	}
	return s
}

// Restore replaces the registrar's contents with s. It requires the bound
// capability, like any mint.
func (r *Registrar) Restore(c *Capability, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c == nil || c != r.bound {
		return apperrors.Newf(apperrors.CodeUnauthorized, "restore without the bound capability")
	}

	r.balances = make(map[uint64]map[string]uint64)
	r.metadata = make(map[uint64]string, len(s.Metadata))
	for _, h := range s.Holdings {
		r.credit(h.OrderID, h.Holder)
		r.balances[h.OrderID][h.Holder] = h.Units
	}
	for id, ref := range s.Metadata {
		r.metadata[id] = ref
	}
	return nil
}
