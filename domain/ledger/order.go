package ledger

import (
	"time"

	"github.com/rs/zerolog"
)

// Party identifies a trading party or the settlement authority.
type Party string

type State uint8

const (
	Created State = iota + 1
	Fulfilled
	Settled
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Fulfilled:
		return "FULFILLED"
	case Settled:
		return "SETTLED"
	default:
		return "UNKNOWN"
	}
}

// Order is a single two-party trade and its escrowed collateral.
type Order struct {
	ID               uint64
	Seller           Party
	Buyer            Party
	BasePrice        uint64
	CollateralAmount uint64
	State            State
	Disputed         bool
	MetadataRef      string

	CreatedAt   time.Time
	FulfilledAt time.Time
	SettledAt   time.Time
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (o Order) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64("id", o.ID)
	e.Str("seller", string(o.Seller))
	e.Str("buyer", string(o.Buyer))
	e.Uint64("base_price", o.BasePrice)
	e.Uint64("collateral", o.CollateralAmount)
	e.Str("state", o.State.String())
	e.Bool("disputed", o.Disputed)
	if o.MetadataRef != "" {
		e.Str("metadata_ref", o.MetadataRef)
	}
}
