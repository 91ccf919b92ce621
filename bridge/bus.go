package bridge

import "context"

// Channel names on the bus and keys in the store.
const (
	OutputPrefix  = "sandbox:output:"
	CommandPrefix = "sandbox:command:"
	SessionPrefix = "sandbox:session:"
)

func OutputChannel(sessionID string) string  { return OutputPrefix + sessionID }
func CommandChannel(sessionID string) string { return CommandPrefix + sessionID }
func SessionKey(sessionID string) string     { return SessionPrefix + sessionID }

// Bus is a fire-and-forget pub/sub transport.
type Bus interface {
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe delivers every message on channel to handler until the
	// subscription is closed. Messages on one subscription are delivered in order.
	Subscribe(ctx context.Context, channel string, handler func(data []byte)) (Subscription, error)
	Close() error
}

type Subscription interface {
	Unsubscribe() error
}
