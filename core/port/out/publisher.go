package out

import "context"

// Publisher is the peer-replication channel §4.5's Write behavior
// mentions: "emit an update event to the peer-replication channel if
// configured". Implementations are free to no-op when no channel is
// configured.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}
