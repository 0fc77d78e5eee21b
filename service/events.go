package service

import (
	"encoding/json"
	"time"

	"midna/domain/ledger"
)

const EventOrderSettled = "order.settled"

// SettledEvent is the outbox payload published when an order settles.
type SettledEvent struct {
	V           int       `json:"v"`
	Type        string    `json:"type"`
	Seq         uint64    `json:"seq"`
	OrderID     uint64    `json:"order_id"`
	Seller      string    `json:"seller"`
	Buyer       string    `json:"buyer"`
	BasePrice   uint64    `json:"base_price"`
	Collateral  uint64    `json:"collateral"`
	Disputed    bool      `json:"disputed"`
	MetadataRef string    `json:"metadata_ref"`
	SettledAt   time.Time `json:"settled_at"`
}

func NewSettledEvent(o ledger.Order, seq uint64) SettledEvent {
	return SettledEvent{
		V:           1,
		Type:        EventOrderSettled,
		Seq:         seq,
		OrderID:     o.ID,
		Seller:      string(o.Seller),
		Buyer:       string(o.Buyer),
		BasePrice:   o.BasePrice,
		Collateral:  o.CollateralAmount,
		Disputed:    o.Disputed,
		MetadataRef: o.MetadataRef,
		SettledAt:   o.SettledAt,
	}
}

func (e SettledEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
