package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"github.com/contentguard/scanner/core/port/out"
)

// Publisher adapts a go-redis client's Pub/Sub PUBLISH command to
// core/port/out.Publisher, the fuzzy write queue's peer-replication
// channel (§4.5). It reuses the same client the KV backend already
// holds rather than opening a second connection.
type Publisher struct {
	client *goredis.Client
}

func NewPublisher(client *goredis.Client) *Publisher {
	return &Publisher{client: client}
}

var _ out.Publisher = (*Publisher)(nil)

func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapErr("publish", p.client.Publish(ctx, channel, payload).Err())
}
