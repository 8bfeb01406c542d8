package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/code-payments/purchase-bridge/event"
	"github.com/code-payments/purchase-bridge/metrics"
	"github.com/code-payments/purchase-bridge/state"
)

// Subscription is a caller's listener on one channel. Events yields the
// channel's current value first, then one value per change, and is closed
// when the subscription ends.
type Subscription struct {
	bridge  *Bridge
	channel Channel
	stream  *event.ChannelStream[*state.Snapshot, []ProductMessage]

	// Only accessed by the stream selector, which runs under the stream lock.
	lastSent *state.Snapshot

	releaseOnce sync.Once
	done        chan struct{}
}

func (s *Subscription) ID() string {
	return s.stream.ID()
}

func (s *Subscription) Channel() Channel {
	return s.channel
}

func (s *Subscription) Events() <-chan []ProductMessage {
	return s.stream.Channel()
}

// Close ends the subscription without affecting any other listener. The
// stream is released first so a send blocked on it cannot delay the close.
func (s *Subscription) Close() {
	s.release()

	s.bridge.streamsMu.Lock()
	if s.bridge.streams[s.channel] == s {
		delete(s.bridge.streams, s.channel)
	}
	s.bridge.streamsMu.Unlock()
}

func (s *Subscription) release() {
	s.releaseOnce.Do(func() {
		close(s.done)
		s.stream.Close()
		metrics.StreamSubscribers.WithLabelValues(s.channel.String()).Dec()
	})
}

func (s *Subscription) selectMessages(snapshot *state.Snapshot) ([]ProductMessage, bool) {
	if snapshot == s.lastSent {
		return nil, false
	}
	s.lastSent = snapshot
	return NewProductMessages(s.channel.products(snapshot)), true
}

// Subscribe starts listening on channel. A channel has at most one listener:
// subscribing again closes the previous subscription. The subscription ends
// with ctx, Close or Detach.
func (b *Bridge) Subscribe(ctx context.Context, channel Channel) (*Subscription, error) {
	if !channel.Valid() {
		return nil, ErrUnknownChannel
	}

	b.scopeMu.Lock()
	attached := b.cancel != nil && b.scope.Err() == nil
	b.scopeMu.Unlock()
	if !attached {
		return nil, ErrDetached
	}

	sub := &Subscription{
		bridge:  b,
		channel: channel,
		done:    make(chan struct{}),
	}
	sub.stream = event.NewChannelStream(uuid.NewString(), b.conf.StreamBufferSize, sub.selectMessages)

	log := b.log.With(zap.String("channel", channel.String()), zap.String("subscription_id", sub.ID()))

	b.streamsMu.Lock()
	if prev, ok := b.streams[channel]; ok {
		log.Debug("Closing previous subscription", zap.String("previous_id", prev.ID()))
		prev.release()
	}
	b.streams[channel] = sub
	metrics.StreamSubscribers.WithLabelValues(channel.String()).Inc()

	// The buffer is never full for a new stream, so the current value is
	// delivered immediately.
	if err := sub.stream.Notify(b.cache.Snapshot(), b.conf.StreamSendTimeout); err != nil {
		log.Warn("Failed to send initial value", zap.Error(err))
	}
	b.streamsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	log.Debug("Subscription opened")
	return sub, nil
}

// onSnapshot forwards cache publications to the subscriptions whose channel
// they affect. It runs on the cache's mutating goroutine.
func (b *Bridge) onSnapshot(topic state.Topic, snapshot *state.Snapshot) {
	b.streamsMu.RLock()
	var subs []*Subscription
	for channel, sub := range b.streams {
		if channel.topic() == topic {
			subs = append(subs, sub)
		}
	}
	b.streamsMu.RUnlock()

	for _, sub := range subs {
		err := sub.stream.Notify(snapshot, b.conf.StreamSendTimeout)
		if errors.Is(err, event.ErrStreamClosed) {
			continue
		} else if err != nil {
			b.log.Warn(
				"Closed slow subscription",
				zap.String("channel", sub.channel.String()),
				zap.String("subscription_id", sub.ID()),
				zap.Error(err),
			)
		}
	}
}
