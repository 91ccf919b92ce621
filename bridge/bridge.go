// Package bridge publishes session output to the message bus, receives session
// commands from it and persists session records for recovery.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sandboxengine/model"
	"sandboxengine/natshandler"
)

type Bridge struct {
	bus    Bus
	store  Store
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]Subscription
}

func New(bus Bus, store Store, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		bus:    bus,
		store:  store,
		logger: logger,
		subs:   make(map[string]Subscription),
	}
}

// PublishOutput sends one output event on the session's output channel.
func (b *Bridge) PublishOutput(ctx context.Context, sessionID, eventType, data string) error {
	payload, err := json.Marshal(model.OutputMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := b.bus.Publish(ctx, OutputChannel(sessionID), payload); err != nil {
		return fmt.Errorf("failed to publish output for %s: %w", sessionID, err)
	}
	return nil
}

// SubscribeToCommands routes the session's inbound commands to h, replacing any
// earlier subscription for the same session.
func (b *Bridge) SubscribeToCommands(ctx context.Context, sessionID string, h natshandler.Handlers) error {
	sub, err := b.bus.Subscribe(ctx, CommandChannel(sessionID), func(data []byte) {
		if err := natshandler.Dispatch(sessionID, data, h); err != nil {
			b.logger.Warn("Dropped session command", zap.String("session", sessionID), zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	old := b.subs[sessionID]
	b.subs[sessionID] = sub
	b.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
	return nil
}

// Unsubscribe stops command delivery for the session. Unknown sessions are ignored.
func (b *Bridge) Unsubscribe(sessionID string) {
	b.mu.Lock()
	sub := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		b.logger.Debug("Unsubscribe failed", zap.String("session", sessionID), zap.Error(err))
	}
}

func (b *Bridge) SaveSession(ctx context.Context, rec model.SessionRecord) error {
	return b.store.Save(ctx, rec)
}

// GetSession returns ErrRecordNotFound when nothing is persisted for sessionID.
func (b *Bridge) GetSession(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	return b.store.Get(ctx, sessionID)
}

func (b *Bridge) RemoveSession(ctx context.Context, sessionID string) error {
	return b.store.Remove(ctx, sessionID)
}

func (b *Bridge) GetAllSessionIDs(ctx context.Context) ([]string, error) {
	return b.store.IDs(ctx)
}

// Close drops every command subscription and closes the bus.
func (b *Bridge) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return b.bus.Close()
}
