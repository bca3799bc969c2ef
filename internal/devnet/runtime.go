package devnet

import (
	"context"
	"errors"
	"sync"
	"time"

	"singleid/go-backend/internal/transport/lzendpoint"
	"singleid/go-backend/internal/transport/mailbox"
)

// Failures are deliveries that reverted on their destination. They are
// recorded once and never retried.
type Failures struct {
	Packets  []lzendpoint.FailedPacket
	Messages map[uint64][]mailbox.FailedMessage
}

func (f Failures) Count() int {
	n := len(f.Packets)
	for _, msgs := range f.Messages {
		n += len(msgs)
	}
	return n
}

// Flush drives both transports until nothing is pending. A delivery can
// commit further messages, so it loops until a full round moves nothing.
func (d *Devnet) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		moved, err := d.lz.Flush(ctx)
		total += moved
		if err != nil {
			return total, err
		}
		for _, id := range d.order {
			n, err := d.chains[id].Relayer.Flush(ctx)
			moved += n
			total += n
			if err != nil {
				return total, err
			}
		}
		if moved == 0 && d.Pending() == 0 {
			return total, nil
		}
	}
}

// Pending counts packets and messages not yet executed.
func (d *Devnet) Pending() int {
	n := d.lz.Pending()
	for _, id := range d.order {
		n += d.chains[id].Relayer.Pending()
	}
	return n
}

func (d *Devnet) Failures() Failures {
	f := Failures{
		Packets:  d.lz.Failed(),
		Messages: make(map[uint64][]mailbox.FailedMessage),
	}
	for _, id := range d.order {
		if msgs := d.chains[id].Relayer.Failed(); len(msgs) > 0 {
			f.Messages[id] = msgs
		}
	}
	return f
}

// Run executes deliveries as they are committed until ctx is done. Each
// relayer also backfills its inbox from the relay store every relay interval,
// which picks up messages a live subscription missed.
func (d *Devnet) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, 2*len(d.order)+1)
	run := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				errs <- err
			}
		}()
	}
	run(d.lz.Run)
	for _, id := range d.order {
		relayer := d.chains[id].Relayer
		run(relayer.Run)
		run(func(ctx context.Context) error { return d.backfill(ctx, relayer) })
	}
	wg.Wait()
	close(errs)
	var joined error
	for err := range errs {
		joined = errors.Join(joined, err)
	}
	return joined
}

func (d *Devnet) backfill(ctx context.Context, relayer *mailbox.Relayer) error {
	ticker := time.NewTicker(d.cfg.Relay.Interval)
	defer ticker.Stop()
	since := time.Now().Add(-d.cfg.Relay.Interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n, err := relayer.Backfill(ctx, since); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.logger.Warn("relay backfill failed", "reason", err.Error())
			} else if n > 0 {
				d.logger.Debug("relay backfill queued messages", "count", n)
			}
			since = now.Add(-d.cfg.Relay.Interval)
		}
	}
}

// Close stops the relay nodes and closes the registry stores. Later calls
// return the first result.
func (d *Devnet) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { d.closeErr = d.close(ctx) })
	return d.closeErr
}

func (d *Devnet) close(ctx context.Context) error {
	var err error
	for _, id := range d.order {
		c := d.chains[id]
		if c.Node != nil {
			err = errors.Join(err, c.Node.Stop(ctx))
		}
		if c.store != nil {
			err = errors.Join(err, c.store.Close())
		}
	}
	return err
}
