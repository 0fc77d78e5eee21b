package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"midna/domain/ledger"
	"midna/domain/registrar"
	"midna/infra/outbox"
	"midna/infra/sequence"
	"midna/infra/wal"
	entrywal "midna/infra/wal/entry"
)

// ErrHalted is returned once a WAL write has failed. The in-memory ledger
// can no longer be trusted to match the log, so writes stop until restart.
var ErrHalted = errors.New("service: halted after wal failure")

type Config struct {
	Authority ledger.Party
	Policy    ledger.SettlementPolicy
	WAL       *entrywal.WAL
	Outbox    *outbox.Outbox
	Sequencer *sequence.Sequencer
	Log       zerolog.Logger
}

/*
SettlementService owns the bootstrap wiring between the ledger and the
completion registrar: the registrar's mint capability is bound exactly once,
here, and handed to the ledger.
*/
type SettlementService struct {
	mu     sync.Mutex
	at     time.Time
	halted error

	ledger *ledger.Ledger
	reg    *registrar.Registrar
	mint   *registrar.Capability

	wal    *entrywal.WAL
	outbox *outbox.Outbox
	seq    *sequence.Sequencer
	log    zerolog.Logger
}

func New(cfg Config) (*SettlementService, error) {
	if cfg.WAL == nil || cfg.Outbox == nil || cfg.Sequencer == nil {
		return nil, errors.New("service: wal, outbox and sequencer are required")
	}

	reg := registrar.New()
	mint, err := reg.Bind()
	if err != nil {
		return nil, err
	}

	s := &SettlementService{
		reg:    reg,
		mint:   mint,
		wal:    cfg.WAL,
		outbox: cfg.Outbox,
		seq:    cfg.Sequencer,
		log:    cfg.Log.With().Str("component", "settlement").Logger(),
	}

	s.ledger, err = ledger.New(ledger.Config{
		Authority:  cfg.Authority,
		Registrar:  reg,
		Capability: mint,
		Policy:     cfg.Policy,
		Now:        s.now,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// now stamps ledger timestamps with the time of the record being applied,
// so replay reproduces them exactly.
func (s *SettlementService) now() time.Time {
	return s.at
}

//
// ──────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────
//

// Deposit credits party's escrow-eligible balance. It returns the WAL
// sequence of the accepted command.
func (s *SettlementService) Deposit(ctx context.Context, party ledger.Party, amount uint64, ref string) (uint64, error) {
	return s.execute(ctx, entrywal.RecordDeposit, wal.Command{
		Party:     string(party),
		Amount:    amount,
		Reference: ref,
	})
}

func (s *SettlementService) CreateOrder(ctx context.Context, caller ledger.Party, id uint64, seller ledger.Party, basePrice, collateral uint64) (uint64, error) {
	return s.execute(ctx, entrywal.RecordCreate, wal.Command{
		Caller:    string(caller),
		OrderID:   id,
		Party:     string(seller),
		BasePrice: basePrice,
		Amount:    collateral,
	})
}

func (s *SettlementService) FulfillOrder(ctx context.Context, caller ledger.Party, id uint64) (uint64, error) {
	return s.execute(ctx, entrywal.RecordFulfill, wal.Command{
		Caller:  string(caller),
		OrderID: id,
	})
}

func (s *SettlementService) Dispute(ctx context.Context, caller ledger.Party, id uint64) (uint64, error) {
	return s.execute(ctx, entrywal.RecordDispute, wal.Command{
		Caller:  string(caller),
		OrderID: id,
	})
}

// Settle finalizes a fulfilled order. metadataRef must already be resolved
// by the caller; settlement never fetches metadata itself.
func (s *SettlementService) Settle(ctx context.Context, caller ledger.Party, id uint64, metadataRef string) (uint64, error) {
	return s.execute(ctx, entrywal.RecordSettle, wal.Command{
		Caller:      string(caller),
		OrderID:     id,
		MetadataRef: metadataRef,
	})
}

func (s *SettlementService) execute(ctx context.Context, t entrywal.RecordType, cmd wal.Command) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted != nil {
		return 0, fmt.Errorf("%w: %v", ErrHalted, s.halted)
	}

	// 1️⃣ Reject before logging: the WAL only holds commands that apply.
	if err := s.check(t, &cmd); err != nil {
		s.log.Debug().Err(err).Str("cmd", t.String()).Uint64("order_id", cmd.OrderID).Msg("command rejected")
		return 0, err
	}

	// 2️⃣ Write WAL intent
	rec := entrywal.NewRecord(t, s.seq.Next(), wal.Encode(cmd))
	if err := s.wal.Append(rec); err != nil {
		s.halted = err
		s.log.Error().Err(err).Uint64("seq", rec.Seq).Msg("wal append failed, halting writes")
		return 0, fmt.Errorf("%w: %v", ErrHalted, err)
	}

	// 3️⃣ Execute deterministic domain logic
	if err := s.apply(rec, cmd); err != nil {
		s.halted = err
		s.log.Error().Err(err).Uint64("seq", rec.Seq).Msg("logged command failed to apply, halting writes")
		return 0, fmt.Errorf("%w: %v", ErrHalted, err)
	}

	// 4️⃣ Queue the settlement event
	if t == entrywal.RecordSettle {
		if err := s.enqueueSettled(cmd.OrderID, rec.Seq); err != nil {
			// Recovered on the next replay, which re-ensures outbox entries.
			s.log.Error().Err(err).Uint64("order_id", cmd.OrderID).Msg("outbox enqueue failed")
		}
	}

	s.log.Info().Str("cmd", t.String()).Uint64("seq", rec.Seq).Uint64("order_id", cmd.OrderID).Str("caller", cmd.Caller).Msg("command applied")
	return rec.Seq, nil
}

// check dry-runs c against the ledger. A settle command also gets its
// payout fixed here, so the log records what was released and replay does
// not depend on the policy configured at restart.
func (s *SettlementService) check(t entrywal.RecordType, c *wal.Command) error {
	caller := ledger.Party(c.Caller)
	switch t {
	case entrywal.RecordDeposit:
		return s.ledger.CheckDeposit(ledger.Party(c.Party), c.Amount, c.Reference)
	case entrywal.RecordCreate:
		return s.ledger.CheckCreateOrder(caller, c.OrderID, ledger.Party(c.Party), c.Amount)
	case entrywal.RecordFulfill:
		return s.ledger.CheckFulfillOrder(caller, c.OrderID)
	case entrywal.RecordDispute:
		return s.ledger.CheckDispute(caller, c.OrderID)
	case entrywal.RecordSettle:
		payout, err := s.ledger.PlanSettle(caller, c.OrderID, c.MetadataRef)
		if err != nil {
			return err
		}
		c.Payout = toShares(payout)
		return nil
	default:
		return fmt.Errorf("service: unknown record type %d", t)
	}
}

func (s *SettlementService) apply(rec *entrywal.Record, c wal.Command) error {
	s.at = time.Unix(0, rec.Time).UTC()

	caller := ledger.Party(c.Caller)
	switch rec.Type {
	case entrywal.RecordDeposit:
		return s.ledger.Deposit(ledger.Party(c.Party), c.Amount, c.Reference)
	case entrywal.RecordCreate:
		return s.ledger.CreateOrder(caller, c.OrderID, ledger.Party(c.Party), c.BasePrice, c.Amount)
	case entrywal.RecordFulfill:
		return s.ledger.FulfillOrder(caller, c.OrderID)
	case entrywal.RecordDispute:
		return s.ledger.Dispute(caller, c.OrderID)
	case entrywal.RecordSettle:
		if len(c.Payout) == 0 {
			// zero collateral releases nothing, so no shares were recorded
			return s.ledger.Settle(caller, c.OrderID, c.MetadataRef)
		}
		return s.ledger.SettleWithPayout(caller, c.OrderID, c.MetadataRef, fromShares(c.Payout))
	default:
		return fmt.Errorf("service: unknown record type %d", rec.Type)
	}
}

func toShares(p ledger.Payout) []wal.Share {
	if len(p) == 0 {
		return nil
	}
	shares := make([]wal.Share, 0, len(p))
	for party, amount := range p {
		shares = append(shares, wal.Share{Party: string(party), Amount: amount})
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].Party < shares[j].Party })
	return shares
}

func fromShares(shares []wal.Share) ledger.Payout {
	p := make(ledger.Payout, len(shares))
	for _, sh := range shares {
		p[ledger.Party(sh.Party)] += sh.Amount
	}
	return p
}

func (s *SettlementService) enqueueSettled(orderID, seq uint64) error {
	o, err := s.ledger.Order(orderID)
	if err != nil {
		return err
	}
	payload, err := NewSettledEvent(o, seq).Marshal()
	if err != nil {
		return err
	}
	return s.outbox.PutNew(orderID, seq, payload)
}

//
// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────
//

func (s *SettlementService) Order(id uint64) (ledger.Order, error) {
	return s.ledger.Order(id)
}

func (s *SettlementService) BalanceOf(id uint64, holder ledger.Party) uint64 {
	return s.ledger.BalanceOf(id, holder)
}

func (s *SettlementService) MetadataOf(id uint64) (string, bool) {
	return s.ledger.MetadataOf(id)
}

func (s *SettlementService) AvailableBalance(party ledger.Party) uint64 {
	return s.ledger.AvailableBalance(party)
}

func (s *SettlementService) Locked() uint64 {
	return s.ledger.Locked()
}

func (s *SettlementService) Authority() ledger.Party {
	return s.ledger.Authority()
}
