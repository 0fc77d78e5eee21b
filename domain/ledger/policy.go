package ledger

import (
	"fmt"

	apperrors "midna/domain/errors"
)

// Payout maps each recipient to the collateral released to them.
type Payout map[Party]uint64

// SettlementPolicy decides how an order's collateral leaves escrow. The
// amounts it returns must sum to the order's collateral exactly.
type SettlementPolicy func(o Order) (Payout, error)

// SellerProceeds returns the full collateral to the seller. The disputed
// flag only travels into the completion record's metadata.
func SellerProceeds(o Order) (Payout, error) {
	return Payout{o.Seller: o.CollateralAmount}, nil
}

// RefundBuyerOnDispute pays the seller unless the order is disputed, in
// which case the collateral goes to the buyer.
func RefundBuyerOnDispute(o Order) (Payout, error) {
	if o.Disputed {
		return Payout{o.Buyer: o.CollateralAmount}, nil
	}
	return SellerProceeds(o)
}

// SplitOnDispute halves a disputed order's collateral between the parties;
// an odd unit stays with the seller.
func SplitOnDispute(o Order) (Payout, error) {
	if !o.Disputed {
		return SellerProceeds(o)
	}
	half := o.CollateralAmount / 2
	return Payout{
		o.Buyer:  half,
		o.Seller: o.CollateralAmount - half,
	}, nil
}

// PolicyByName resolves a dispute routing name: seller, buyer or split.
func PolicyByName(name string) (SettlementPolicy, error) {
	switch name {
	case "", "seller":
		return SellerProceeds, nil
	case "buyer":
		return RefundBuyerOnDispute, nil
	case "split":
		return SplitOnDispute, nil
	default:
		return nil, fmt.Errorf("unknown dispute routing %q", name)
	}
}

func validatePayout(o Order, p Payout) error {
	var sum uint64
	for party, n := range p {
		if party == "" {
			return apperrors.Newf(apperrors.CodeInvalidPayout, "order %d: payout to empty party", o.ID)
		}
		if party != o.Seller && party != o.Buyer {
			return apperrors.Newf(apperrors.CodeInvalidPayout, "order %d: payout to non-party %s", o.ID, party)
		}
		if sum+n < sum {
			return apperrors.Newf(apperrors.CodeInvalidPayout, "order %d: payout overflows", o.ID)
		}
		sum += n
	}
	if sum != o.CollateralAmount {
		return apperrors.Newf(apperrors.CodeInvalidPayout, "order %d: payout %d does not match collateral %d", o.ID, sum, o.CollateralAmount)
	}
	return nil
}
