package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
)

// DefaultChannelCapacity is the bounded-channel size spec.md §4.5 asks for
// between C4 and C5.
const DefaultChannelCapacity = 1024

// Bus is a thin publish/subscribe wrapper over a NATS connection, trimmed
// to what C4->C5 needs from ODSapper-CLIAIRMONITOR's internal/nats.Client:
// connect/publish/subscribe plus a bounded queue in front of the publish
// call so a burst of episode completions applies backpressure to its
// producer instead of growing an unbounded buffer.
type Bus struct {
	conn     *nc.Conn
	clientID string
	outbox   chan outboxItem
	done     chan struct{}
}

type outboxItem struct {
	subject string
	payload []byte
	errCh   chan error
}

// Options configures a new Bus.
type Options struct {
	ClientID         string
	ChannelCapacity  int // 0 uses DefaultChannelCapacity
	ReconnectWait    time.Duration
	MaxReconnects    int
}

// NewBus dials url and starts the bounded outbox dispatcher.
func NewBus(url string, opts Options) (*Bus, error) {
	if opts.ChannelCapacity <= 0 {
		opts.ChannelCapacity = DefaultChannelCapacity
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1 // retry indefinitely, as the teacher's client does
	}

	conn, err := nc.Connect(url,
		nc.Name(opts.ClientID),
		nc.ReconnectWait(opts.ReconnectWait),
		nc.MaxReconnects(opts.MaxReconnects),
		nc.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to event bus: %w", err)
	}

	b := &Bus{
		conn:     conn,
		clientID: opts.ClientID,
		outbox:   make(chan outboxItem, opts.ChannelCapacity),
		done:     make(chan struct{}),
	}
	go b.drain()
	return b, nil
}

func (b *Bus) drain() {
	for item := range b.outbox {
		err := b.conn.Publish(item.subject, item.payload)
		if item.errCh != nil {
			item.errCh <- err
		}
	}
	close(b.done)
}

// PublishEpisodeCompleted enqueues evt onto the bounded outbox. It blocks
// the caller (applying backpressure) when the outbox is full, unless ctx is
// cancelled first.
func (b *Bus) PublishEpisodeCompleted(ctx context.Context, evt EpisodeCompleted) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal episode completed event: %w", err)
	}

	item := outboxItem{subject: SubjectEpisodeCompleted, payload: payload}
	select {
	case b.outbox <- item:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish episode completed cancelled: %w", ctx.Err())
	}
}

// HandlerFunc processes one delivered EpisodeCompleted event. Returning an
// error does not nack the message; the caller's pattern_jobs claim/retry
// row is the real retry mechanism, not NATS redelivery.
type HandlerFunc func(context.Context, EpisodeCompleted) error

// SubscribeWorkers starts a queue subscription so concurrently-running
// extraction workers share delivery of SubjectEpisodeCompleted round-robin,
// mirroring the teacher's QueueSubscribe use for its own worker pools.
func (b *Bus) SubscribeWorkers(ctx context.Context, queueGroup string, handle HandlerFunc) (*nc.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(SubjectEpisodeCompleted, queueGroup, func(msg *nc.Msg) {
		var evt EpisodeCompleted
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		_ = handle(ctx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe event bus workers: %w", err)
	}
	return sub, nil
}

// Flush blocks until all buffered NATS protocol writes reach the server.
func (b *Bus) Flush() error {
	return b.conn.FlushTimeout(5 * time.Second)
}

// IsConnected reports whether the underlying NATS connection is up.
func (b *Bus) IsConnected() bool {
	return b.conn.IsConnected()
}

// Close stops accepting new publishes, drains the outbox, and closes the
// underlying connection.
func (b *Bus) Close() error {
	close(b.outbox)
	<-b.done
	b.conn.Close()
	return nil
}
