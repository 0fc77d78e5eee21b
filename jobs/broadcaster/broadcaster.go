package broadcaster

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"midna/infra/kafka"
	"midna/infra/outbox"
)

// Broadcaster drains the settlement outbox into Kafka. Delivery is
// at-least-once: an event stays queued until the publisher acks it.
type Broadcaster struct {
	outbox    *outbox.Outbox
	publisher kafka.Publisher
	interval  time.Duration
	log       zerolog.Logger
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(ob *outbox.Outbox, pub kafka.Publisher, interval time.Duration, log zerolog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Broadcaster{
		outbox:    ob,
		publisher: pub,
		interval:  interval,
		log:       log.With().Str("component", "broadcaster").Logger(),
	}
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

// Run polls the outbox every interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	b.log.Info().Dur("interval", b.interval).Msg("started")

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("stopped")
			return
		case <-ticker.C:
			if _, err := b.Flush(ctx); err != nil {
				b.log.Error().Err(err).Msg("outbox scan failed")
			}
		}
	}
}

// ------------------------------------------------
// DELIVERY
// ------------------------------------------------

// Flush attempts delivery of every pending event once and returns how many
// were acked. SENT events left behind by a crash are retried as well.
func (b *Broadcaster) Flush(ctx context.Context) (int, error) {
	var pending []outbox.Event
	collect := func(e outbox.Event) error {
		pending = append(pending, e)
		return nil
	}
	if err := b.outbox.Scan(outbox.StateSent, collect); err != nil {
		return 0, err
	}
	if err := b.outbox.Scan(outbox.StateNew, collect); err != nil {
		return 0, err
	}

	acked := 0
	for _, e := range pending {
		if ctx.Err() != nil {
			return acked, ctx.Err()
		}
		if b.deliver(ctx, e) {
			acked++
		}
	}
	return acked, nil
}

func (b *Broadcaster) deliver(ctx context.Context, e outbox.Event) bool {
	log := b.log.With().Uint64("order_id", e.OrderID).Uint64("seq", e.Seq).Logger()

	// 1️⃣ Mark SENT
	if err := b.outbox.MarkSent(e.OrderID); err != nil {
		log.Error().Err(err).Msg("mark sent failed")
		return false
	}

	// 2️⃣ Publish, keyed by order so one order's events stay ordered
	key := []byte(strconv.FormatUint(e.OrderID, 10))
	if err := b.publisher.Publish(ctx, key, e.Payload); err != nil {
		state, merr := b.outbox.MarkFailed(e.OrderID)
		if merr != nil {
			log.Error().Err(merr).Msg("mark failed failed")
			return false
		}
		ev := log.Warn()
		if state == outbox.StateFailed {
			ev = log.Error()
		}
		ev.Err(err).Str("state", state.String()).Msg("publish failed")
		return false
	}

	// 3️⃣ Mark ACKED
	if err := b.outbox.MarkAcked(e.OrderID); err != nil {
		log.Error().Err(err).Msg("mark acked failed")
		return false
	}
	log.Debug().Msg("event delivered")
	return true
}
