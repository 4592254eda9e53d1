// Package redischan delivers push messages over Redis pub/sub. Each token
// is a channel named "<prefix>:<token>"; the backend publishes JSON
// messages of the form {"data": {...}, "notification": {...}} to it.
package redischan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wb-go/wbf/zlog"

	"github.com/nhle/aquaportal/internal/push"
)

// DefaultPrefix namespaces channels and the token registry.
const DefaultPrefix = "aquaportal:push"

const messageBuffer = 64

// ErrUnknownToken is returned by Resume for a token the registry no
// longer knows.
var ErrUnknownToken = errors.New("push token not registered")

// Provider implements push.Provider and push.Resumer on top of Redis.
type Provider struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	worker *worker
	closed bool
}

var (
	_ push.Provider = (*Provider)(nil)
	_ push.Resumer  = (*Provider)(nil)
)

// Open connects to the Redis server at url and verifies it answers.
func Open(ctx context.Context, url, prefix string) (*Provider, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return New(client, prefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Provider {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Provider{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
	}
}

// Supported reports whether a Redis client is configured.
func (p *Provider) Supported() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil && !p.closed
}

// RegisterWorker opens the pub/sub connection. The returned worker is
// installing until the connection is requested, waiting while it is
// being established, and active once a ping went through.
func (p *Provider) RegisterWorker(ctx context.Context) (push.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, push.ErrUnsupportedPlatform
	}
	if p.worker != nil && p.worker.State() != push.WorkerRedundant {
		return p.worker, nil
	}

	w := newWorker()
	p.worker = w
	go p.activate(w)
	return w, nil
}

func (p *Provider) activate(w *worker) {
	ctx := context.Background()

	ps := p.client.Subscribe(ctx)
	w.attach(ps)
	w.set(push.WorkerWaiting)

	if err := ps.Ping(ctx); err != nil {
		zlog.Logger.Warn().Err(err).Msg("push worker could not reach redis")
		w.shutdown()
		return
	}

	w.set(push.WorkerActive)
	go p.receive(w, ps)
}

func (p *Provider) receive(w *worker, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		m, err := DecodeMessage([]byte(msg.Payload))
		if err != nil {
			zlog.Logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable push message")
			continue
		}
		deliver(w, m)
	}
	zlog.Logger.Warn().Msg("push connection closed")
	w.shutdown()
}

func deliver(w *worker, m push.Message) {
	if !w.send(m) {
		zlog.Logger.Warn().Msg("push feed full or closed, dropping message")
	}
}

// Subscribe issues a new token, records it against credential and starts
// listening on its channel.
func (p *Provider) Subscribe(ctx context.Context, credential string, w push.Worker) (string, error) {
	if credential == "" {
		return "", errors.New("missing project credential")
	}
	rw, err := p.activeWorker(w)
	if err != nil {
		return "", err
	}

	token := uuid.NewString()
	if err := p.client.HSet(ctx, p.registryKey(), token, credential).Err(); err != nil {
		return "", fmt.Errorf("recording push token: %w", err)
	}
	if err := rw.pubsub().Subscribe(ctx, p.Channel(token)); err != nil {
		_ = p.client.HDel(ctx, p.registryKey(), token).Err()
		return "", fmt.Errorf("subscribing to push channel: %w", err)
	}
	return token, nil
}

// Resume listens on the channel of a previously issued token.
func (p *Provider) Resume(ctx context.Context, token string, w push.Worker) error {
	rw, err := p.activeWorker(w)
	if err != nil {
		return err
	}

	known, err := p.client.HExists(ctx, p.registryKey(), token).Result()
	if err != nil {
		return fmt.Errorf("looking up push token: %w", err)
	}
	if !known {
		return ErrUnknownToken
	}
	if err := rw.pubsub().Subscribe(ctx, p.Channel(token)); err != nil {
		return fmt.Errorf("subscribing to push channel: %w", err)
	}
	return nil
}

// Unsubscribe stops listening on token's channel and forgets the token.
func (p *Provider) Unsubscribe(ctx context.Context, token string) error {
	p.mu.Lock()
	w := p.worker
	p.mu.Unlock()

	var errs []error
	if w != nil {
		if ps := w.pubsub(); ps != nil {
			if err := ps.Unsubscribe(ctx, p.Channel(token)); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribing push channel: %w", err))
			}
		}
	}
	if err := p.client.HDel(ctx, p.registryKey(), token).Err(); err != nil {
		errs = append(errs, fmt.Errorf("forgetting push token: %w", err))
	}
	return errors.Join(errs...)
}

// Messages returns the current worker's inbound feed, or nil before a
// worker is registered. The feed is closed when the worker retires.
func (p *Provider) Messages() <-chan push.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.worker == nil {
		return nil
	}
	return p.worker.feed
}

// Channel returns the pub/sub channel name for token.
func (p *Provider) Channel(token string) string {
	return p.prefix + ":" + token
}

// Close retires the worker and closes the client.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	w := p.worker
	p.worker = nil
	p.mu.Unlock()

	if w != nil {
		if ps := w.pubsub(); ps != nil {
			_ = ps.Close()
		}
		w.shutdown()
	}
	return p.client.Close()
}

func (p *Provider) registryKey() string {
	return p.prefix + ":tokens"
}

func (p *Provider) activeWorker(w push.Worker) (*worker, error) {
	rw, ok := w.(*worker)
	if !ok {
		return nil, fmt.Errorf("worker %T was not registered by this provider", w)
	}
	if rw.State() != push.WorkerActive {
		return nil, fmt.Errorf("%w: worker is %s", push.ErrWorkerLifecycleTimeout, rw.State())
	}
	return rw, nil
}

// DecodeMessage parses a published payload. A payload without a "data"
// object is treated as the data itself.
func DecodeMessage(payload []byte) (push.Message, error) {
	var envelope struct {
		Data         map[string]any `json:"data"`
		Notification *push.Alert    `json:"notification"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return push.Message{}, fmt.Errorf("decoding push message: %w", err)
	}

	if envelope.Data == nil {
		var flat map[string]any
		if err := json.Unmarshal(payload, &flat); err != nil {
			return push.Message{}, fmt.Errorf("decoding push message: %w", err)
		}
		delete(flat, "notification")
		envelope.Data = flat
	}

	return push.Message{Data: envelope.Data, Notification: envelope.Notification}, nil
}
