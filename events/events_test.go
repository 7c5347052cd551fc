package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failing struct{}

func (failing) Publish(context.Context, Event) error { return errors.New("broker down") }

func TestMulti_PublishesToAllAndReportsFirstError(t *testing.T) {
	// GIVEN: a memory publisher behind a failing one
	mem := &Memory{}
	multi := Multi{failing{}, Logger{L: zap.NewNop()}, mem}

	// WHEN
	err := multi.Publish(context.Background(), Event{Type: BonusGranted, AccountID: "acc-1", Tokens: 200})

	// THEN: the failure is reported but later publishers still ran
	require.EqualError(t, err, "broker down")
	got := mem.Events()
	require.Len(t, got, 1)
	assert.Equal(t, BonusGranted, got[0].Type)
	assert.Equal(t, int64(200), got[0].Tokens)
}

func TestRedis_PublishesJSONOnChannel(t *testing.T) {
	// GIVEN: a subscriber on the events channel
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	sub := client.Subscribe(ctx, "token-engine.events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	// WHEN
	total := decimal.RequireFromString("8500")
	err = NewRedis(client, "token-engine.events").Publish(ctx, Event{
		Type:         PurchaseCommitted,
		AccountID:    "acc-1",
		MovementUIDs: []string{"mv-1"},
		PurchaseRef:  "ref-1",
		Tokens:       1000,
		Total:        &total,
		Currency:     "ARS",
	})
	require.NoError(t, err)

	// THEN: the subscriber gets the event as JSON
	var msg *redis.Message
	select {
	case msg = <-sub.Channel():
	case <-ctx.Done():
		t.Fatal("no message received")
	}
	var got Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, PurchaseCommitted, got.Type)
	assert.Equal(t, "acc-1", got.AccountID)
	assert.Equal(t, []string{"mv-1"}, got.MovementUIDs)
	require.NotNil(t, got.Total)
	assert.True(t, got.Total.Equal(total))
}

func TestRedis_PublishFailsWhenUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := NewRedis(client, "token-engine.events").Publish(ctx, Event{Type: BonusGranted, AccountID: "acc-1"})

	assert.Error(t, err)
}
