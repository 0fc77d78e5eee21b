package pinning

import (
	"strconv"
	"time"
)

type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     any    `json:"value"`
}

// Metadata is the completion document pinned for a settled order. Its ref
// is what Settle records against the completion units.
type Metadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Images      []string    `json:"images"`
	Attributes  []Attribute `json:"attributes"`
}

// OrderFacts are the order details a completion document describes.
type OrderFacts struct {
	OrderID          uint64
	Seller           string
	Buyer            string
	BasePrice        uint64
	SettlementAmount uint64
	Disputed         bool
	CreatedAt        time.Time
	SettledAt        time.Time
	Network          string
}

const placeholderImage = "https://picsum.photos/200/300"

func NewMetadata(f OrderFacts) Metadata {
	return Metadata{
		Name:        "Midna Order Completion",
		Description: "Completion record issued to buyer and seller after a successful settlement on Midna",
		Images:      []string{placeholderImage},
		Attributes: []Attribute{
			{TraitType: "Order ID", Value: f.OrderID},
			{TraitType: "Seller", Value: f.Seller},
			{TraitType: "Buyer", Value: f.Buyer},
			{TraitType: "Base Price (USDC)", Value: strconv.FormatUint(f.BasePrice, 10)},
			{TraitType: "Settlement Amount (USDC)", Value: strconv.FormatUint(f.SettlementAmount, 10)},
			{TraitType: "Order Creation Timestamp", Value: unixString(f.CreatedAt)},
			{TraitType: "Settlement Timestamp", Value: unixString(f.SettledAt)},
			{TraitType: "Network", Value: f.Network},
			{TraitType: "Disputed", Value: f.Disputed},
			{TraitType: "Status", Value: "Completed"},
		},
	}
}

func unixString(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
