package sagaway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

var _ EventBus = (*NATSBus)(nil)

// NATSBus adapts a NATS connection to the EventBus contract. Saga topics map
// directly onto NATS subjects (the ".>" wildcard is native there).
type NATSBus struct {
	conn *nats.Conn
	mu   sync.Mutex
}

type NATSBusConfig struct {
	URL           string
	Name          string
	DialTimeout   time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

func ConnectNATSBus(cfg NATSBusConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = time.Second
	}

	opts := []nats.Option{
		nats.Timeout(cfg.DialTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSBus{conn: conn}, nil
}

// NewNATSBus wraps an existing connection; the caller keeps ownership.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn}
}

func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	if err := b.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	return nil
}

func (b *NATSBus) Subscribe(topic string, handler func(ctx context.Context, payload []byte)) (func(), error) {
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(context.Background(), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	return func() {
		_ = sub.Unsubscribe()
	}, nil
}

func (b *NATSBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && !b.conn.IsClosed() {
		b.conn.Close()
	}
}
