// Package bus delivers event envelopes from the backend to subscribers
// over named channels, in process.
//
// Delivery contract: per subscriber, per channel, envelopes arrive in
// publish order, at least once. A slow subscriber back-pressures the
// publisher rather than dropping. Nothing is ordered across channels.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/basestate/runid/envelope"
)

// Bus routes envelopes to per-channel subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[envelope.Channel][]*Subscription

	// lifecycleCtx parents every subscription context so Close tears all
	// of them down at once.
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc

	logger *slog.Logger

	published atomic.Int64
	delivered atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates a Bus. Call Close to tear down all subscriptions.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subs:            make(map[envelope.Channel][]*Subscription),
		lifecycleCtx:    ctx,
		lifecycleCancel: cancel,
		logger:          slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Stats are point-in-time delivery counters.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	return Stats{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// Subscription is one subscriber's ordered view of a single channel.
type Subscription struct {
	channel envelope.Channel
	in      chan envelope.Envelope
	out     chan envelope.Envelope
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *Bus
	remove  sync.Once
}

// Subscribe registers a subscriber on the given channel. The returned
// subscription buffers up to buffer envelopes (minimum 1) before
// back-pressuring publishers.
func (b *Bus) Subscribe(ch envelope.Channel, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(b.lifecycleCtx)
	s := &Subscription{
		channel: ch,
		in:      make(chan envelope.Envelope, buffer),
		out:     make(chan envelope.Envelope),
		ctx:     ctx,
		cancel:  cancel,
		bus:     b,
	}

	b.mu.Lock()
	b.subs[ch] = append(b.subs[ch], s)
	b.mu.Unlock()

	go s.pump()
	return s
}

// C returns the receive channel. It is closed when the subscription is
// cancelled or the bus is closed; envelopes queued at that point are
// discarded.
func (s *Subscription) C() <-chan envelope.Envelope { return s.out }

// Channel returns the channel name this subscription listens on.
func (s *Subscription) Channel() envelope.Channel { return s.channel }

// Cancel stops delivery. Idempotent; safe to call after the bus has
// already been closed.
func (s *Subscription) Cancel() {
	s.cancel()
	s.remove.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[s.channel]
		for i, other := range list {
			if other == s {
				b.subs[s.channel] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	})
}

// pump owns s.out: it forwards envelopes in order and is the only place
// that closes it, so publishers can never send on a closed channel.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.in:
			select {
			case s.out <- env:
				s.bus.delivered.Add(1)
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// Publish delivers env to every current subscriber of ch, in subscription
// order. Blocks while any live subscriber's buffer is full; returns once
// every subscriber has either accepted the envelope or been cancelled.
// Publishing after Close is a logged no-op.
func (b *Bus) Publish(ch envelope.Channel, env *envelope.Envelope) {
	if b.lifecycleCtx.Err() != nil {
		b.logger.Debug("bus: publish after close dropped", "channel", ch)
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs[ch]))
	copy(subs, b.subs[ch])
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.in <- *env:
		case <-s.ctx.Done():
		}
	}
}

// Close cancels every subscription and stops further delivery. Idempotent.
func (b *Bus) Close() {
	b.lifecycleCancel()
}
