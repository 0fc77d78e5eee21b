package ledger

import "sort"

// Snapshot is a serializable image of the ledger.
type Snapshot struct {
	Orders      []Order
	Available   map[Party]uint64
	Locked      uint64
	DepositRefs []string
}

// Export copies every order and balance, orders sorted by id.
func (l *Ledger) Export() Snapshot {
	l.mu.RLock()
	recs := make([]*record, 0, len(l.orders))
	for _, rec := range l.orders {
		recs = append(recs, rec)
	}
	l.mu.RUnlock()

	s := Snapshot{Orders: make([]Order, 0, len(recs))}
	for _, rec := range recs {
		rec.mu.Lock()
		s.Orders = append(s.Orders, rec.order)
		rec.mu.Unlock()
	}
	sort.Slice(s.Orders, func(i, j int) bool { return s.Orders[i].ID < s.Orders[j].ID })

	l.escrow.mu.Lock()
	s.Available = make(map[Party]uint64, len(l.escrow.available))
	for p, n := range l.escrow.available {
		s.Available[p] = n
	}
	s.Locked = l.escrow.locked
	for ref := range l.escrow.refs {
		s.DepositRefs = append(s.DepositRefs, ref)
	}
	l.escrow.mu.Unlock()
	sort.Strings(s.DepositRefs)

	return s
}

// Restore replaces the ledger's contents with s. It is meant for startup,
// before any operation runs.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.orders = make(map[uint64]*record, len(s.Orders))
	for _, o := range s.Orders {
		l.orders[o.ID] = &record{order: o}
	}

	l.escrow.mu.Lock()
	l.escrow.available = make(map[Party]uint64, len(s.Available))
	for p, n := range s.Available {
		l.escrow.available[p] = n
	}
	l.escrow.locked = s.Locked
	l.escrow.refs = make(map[string]struct{}, len(s.DepositRefs))
	for _, ref := range s.DepositRefs {
		l.escrow.refs[ref] = struct{}{}
	}
	l.escrow.mu.Unlock()
}
