// Package wal encodes ledger commands for the entry log using the protobuf
// wire format, so records stay readable by any protobuf tooling given the
// field table below.
package wal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldCaller      protowire.Number = 1
	fieldOrderID     protowire.Number = 2
	fieldParty       protowire.Number = 3
	fieldBasePrice   protowire.Number = 4
	fieldAmount      protowire.Number = 5
	fieldMetadataRef protowire.Number = 6
	fieldReference   protowire.Number = 7
	fieldPayout      protowire.Number = 8

	fieldShareParty  protowire.Number = 1
	fieldShareAmount protowire.Number = 2
)

// Command is the payload of every entry record. Which fields are set
// depends on the record type: deposits use Party, Amount and Reference,
// order creation uses Party as the seller, settlement carries the Payout
// it was accepted with.
type Command struct {
	Caller      string
	OrderID     uint64
	Party       string
	BasePrice   uint64
	Amount      uint64
	MetadataRef string
	Reference   string
	Payout      []Share
}

// Share is one recipient's part of a settlement payout.
type Share struct {
	Party  string
	Amount uint64
}

// Encode marshals c. Zero fields are omitted.
func Encode(c Command) []byte {
	var b []byte
	b = appendString(b, fieldCaller, c.Caller)
	b = appendVarint(b, fieldOrderID, c.OrderID)
	b = appendString(b, fieldParty, c.Party)
	b = appendVarint(b, fieldBasePrice, c.BasePrice)
	b = appendVarint(b, fieldAmount, c.Amount)
	b = appendString(b, fieldMetadataRef, c.MetadataRef)
	b = appendString(b, fieldReference, c.Reference)
	for _, sh := range c.Payout {
		var inner []byte
		inner = appendString(inner, fieldShareParty, sh.Party)
		inner = appendVarint(inner, fieldShareAmount, sh.Amount)
		b = protowire.AppendTag(b, fieldPayout, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Decode unmarshals a Command, skipping unknown fields.
func Decode(b []byte) (Command, error) {
	var c Command
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Command{}, fmt.Errorf("decode command tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldCaller || num == fieldParty || num == fieldMetadataRef || num == fieldReference):
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Command{}, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldCaller:
				c.Caller = v
			case fieldParty:
				c.Party = v
			case fieldMetadataRef:
				c.MetadataRef = v
			case fieldReference:
				c.Reference = v
			}

		case typ == protowire.BytesType && num == fieldPayout:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Command{}, fmt.Errorf("decode payout: %w", protowire.ParseError(n))
			}
			b = b[n:]
			sh, err := decodeShare(v)
			if err != nil {
				return Command{}, err
			}
			c.Payout = append(c.Payout, sh)

		case typ == protowire.VarintType && (num == fieldOrderID || num == fieldBasePrice || num == fieldAmount):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Command{}, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldOrderID:
				c.OrderID = v
			case fieldBasePrice:
				c.BasePrice = v
			case fieldAmount:
				c.Amount = v
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Command{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

func decodeShare(b []byte) (Share, error) {
	var sh Share
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Share{}, fmt.Errorf("decode payout tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldShareParty && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Share{}, fmt.Errorf("decode payout party: %w", protowire.ParseError(n))
			}
			sh.Party = v
			b = b[n:]
		case num == fieldShareAmount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Share{}, fmt.Errorf("decode payout amount: %w", protowire.ParseError(n))
			}
			sh.Amount = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Share{}, fmt.Errorf("skip payout field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return sh, nil
}
