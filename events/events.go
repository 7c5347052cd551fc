/*
Package events announces committed ledger changes to the collaborators
outside the engine (receipt and invoice generation, webhooks).

Events are published after the unit of work commits. Publishing is best
effort: a failure is logged and never rolls back a committed movement.
*/
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Type string

const (
	PurchaseCommitted Type = "purchase.committed"
	BonusGranted      Type = "bonus.granted"
	MovementAppended  Type = "movement.appended"
)

type Event struct {
	Type         Type             `json:"type"`
	AccountID    string           `json:"account_id"`
	MovementUIDs []string         `json:"movement_uids"`
	PurchaseRef  string           `json:"purchase_ref,omitempty"`
	Tokens       int64            `json:"tokens"`
	Total        *decimal.Decimal `json:"total,omitempty"`
	Currency     string           `json:"currency,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Logger writes events to a zap logger.
type Logger struct{ L *zap.Logger }

func (p Logger) Publish(_ context.Context, e Event) error {
	p.L.Info("event",
		zap.String("event_type", string(e.Type)),
		zap.String("account_id", e.AccountID),
		zap.Strings("movement_uids", e.MovementUIDs),
		zap.String("purchase_ref", e.PurchaseRef),
		zap.Int64("tokens", e.Tokens))
	return nil
}

// Redis publishes events as JSON on a pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (p *Redis) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, body).Err()
}

// Memory keeps published events in order.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (p *Memory) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *Memory) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Multi fans an event out to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
