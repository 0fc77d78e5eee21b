package rpc

import "time"

// -------------------- Commands --------------------

type DepositRequest struct {
	Party     string `json:"party"`
	Amount    uint64 `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type CreateOrderRequest struct {
	OrderID    uint64 `json:"order_id"`
	Seller     string `json:"seller"`
	BasePrice  uint64 `json:"base_price"`
	Collateral uint64 `json:"collateral"`
}

// OrderRequest addresses one order; FulfillOrder, DisputeOrder, GetOrder
// and MetadataOf take it.
type OrderRequest struct {
	OrderID uint64 `json:"order_id"`
}

type SettleRequest struct {
	OrderID     uint64 `json:"order_id"`
	MetadataRef string `json:"metadata_ref"`
}

// CommandResponse carries the WAL sequence of an accepted command.
type CommandResponse struct {
	Seq uint64 `json:"seq"`
}

// -------------------- Queries --------------------

type Order struct {
	ID          uint64    `json:"id"`
	Seller      string    `json:"seller"`
	Buyer       string    `json:"buyer,omitempty"`
	BasePrice   uint64    `json:"base_price"`
	Collateral  uint64    `json:"collateral"`
	State       string    `json:"state"`
	Disputed    bool      `json:"disputed"`
	MetadataRef string    `json:"metadata_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	FulfilledAt time.Time `json:"fulfilled_at"`
	SettledAt   time.Time `json:"settled_at"`
}

type BalanceRequest struct {
	OrderID uint64 `json:"order_id"`
	Holder  string `json:"holder"`
}

type BalanceResponse struct {
	Units uint64 `json:"units"`
}

type MetadataResponse struct {
	MetadataRef string `json:"metadata_ref,omitempty"`
	Found       bool   `json:"found"`
}

type AvailableBalanceRequest struct {
	Party string `json:"party"`
}

type AvailableBalanceResponse struct {
	Available uint64 `json:"available"`
	Locked    uint64 `json:"locked"`
}
