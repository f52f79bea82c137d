// Package mirror republishes replicated changes and poll events to a Redis
// channel for external dashboards.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/bridge-crew/internal/logging"
)

// Event is one mirrored change.
type Event struct {
	Kind    string    `json:"kind"`
	Name    string    `json:"name"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Publisher delivers an encoded event to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes with go-redis.
type RedisPublisher struct {
	rdb *redis.Client
}

// DialRedis connects and pings addr.
func DialRedis(ctx context.Context, addr string) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return &RedisPublisher{rdb: rdb}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.rdb.Publish(ctx, channel, payload).Err()
}

func (p *RedisPublisher) Close() error { return p.rdb.Close() }

const queueSize = 256

// Mirror queues events and publishes them from its own goroutine so a slow
// Redis never stalls replicated delivery. Events are dropped when the queue
// is full.
type Mirror struct {
	pub     Publisher
	channel string
	log     logging.Logger
	queue   chan Event
	now     func() time.Time
}

func New(pub Publisher, channel string, log logging.Logger) *Mirror {
	if log == nil {
		log = logging.Noop()
	}
	return &Mirror{
		pub:     pub,
		channel: channel,
		log:     log.With(logging.String("component", "mirror")),
		queue:   make(chan Event, queueSize),
		now:     time.Now,
	}
}

// Send enqueues an event without blocking. A nil Mirror discards it.
func (m *Mirror) Send(kind, name string, payload any) {
	if m == nil {
		return
	}
	ev := Event{Kind: kind, Name: name, Payload: payload, At: m.now()}
	select {
	case m.queue <- ev:
	default:
		m.log.Warn(context.Background(), "mirror queue full, dropping event",
			logging.String("kind", kind), logging.String("name", name))
	}
}

// Run publishes queued events until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.queue:
			m.publish(ctx, ev)
		}
	}
}

func (m *Mirror) publish(ctx context.Context, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		m.log.Warn(ctx, "mirror event not encodable", logging.String("name", ev.Name), logging.Err(err))
		return
	}
	if err := m.pub.Publish(ctx, m.channel, raw); err != nil {
		m.log.Warn(ctx, "mirror publish failed", logging.String("channel", m.channel), logging.Err(err))
	}
}
