// Package directory adapts the shared Redis instance for the rest of the
// system: per-user presence keys, the node registry, and the cluster chat
// channel.
package directory

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/maxrios/mcs/internal/errs"
	"github.com/maxrios/mcs/internal/protocol"
)

const (
	presencePrefix = "user:session:"
	nodeSetKey     = "mcs:node"
	chatChannel    = "mcs:chat"

	// PresenceTTL is how long a presence key survives without a heartbeat.
	PresenceTTL = 30 * time.Second
)

// Client is safe for concurrent use. Subscribe runs on its own pub/sub
// connection; everything else shares the multiplexed client.
type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func New(url string, logger zerolog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errs.Wrap(errs.KindDirectory, "parsing redis url", err)
	}
	return &Client{
		rdb:    redis.NewClient(opts),
		logger: logger.With().Str("component", "directory").Logger(),
	}, nil
}

// Ping verifies connectivity at startup.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errs.Wrap(errs.KindDirectory, "pinging redis", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func presenceKey(user string) string {
	return presencePrefix + user
}

// AcquirePresence claims the cluster-wide session slot for user. It reports
// false when a live session elsewhere already holds it.
func (c *Client) AcquirePresence(ctx context.Context, user string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, presenceKey(user), "online", PresenceTTL).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindDirectory, "acquiring presence", err)
	}
	return ok, nil
}

func (c *Client) ReleasePresence(ctx context.Context, user string) error {
	if err := c.rdb.Del(ctx, presenceKey(user)).Err(); err != nil {
		return errs.Wrap(errs.KindDirectory, "releasing presence", err)
	}
	return nil
}

func (c *Client) RefreshPresence(ctx context.Context, user string) error {
	if err := c.rdb.Expire(ctx, presenceKey(user), PresenceTTL).Err(); err != nil {
		return errs.Wrap(errs.KindDirectory, "refreshing presence", err)
	}
	return nil
}

// RegisterNode upserts addr into the node registry scored with the current
// epoch seconds.
func (c *Client) RegisterNode(ctx context.Context, addr string) error {
	member := redis.Z{Score: float64(time.Now().Unix()), Member: addr}
	if err := c.rdb.ZAdd(ctx, nodeSetKey, member).Err(); err != nil {
		return errs.Wrap(errs.KindDirectory, "registering node", err)
	}
	return nil
}

// LiveNodes lists node addresses registered at or after minScore.
func (c *Client) LiveNodes(ctx context.Context, minScore int64) ([]string, error) {
	addrs, err := c.rdb.ZRangeByScore(ctx, nodeSetKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindDirectory, "listing live nodes", err)
	}
	return addrs, nil
}

// Publish fans m out to every node subscribed to the chat channel, this one
// included.
func (c *Client) Publish(ctx context.Context, m protocol.Message) error {
	payload, err := protocol.EncodePayload(m)
	if err != nil {
		return errs.Wrap(errs.KindSerialization, "encoding publish payload", err)
	}
	if err := c.rdb.Publish(ctx, chatChannel, payload).Err(); err != nil {
		return errs.Wrap(errs.KindDirectory, "publishing chat message", err)
	}
	return nil
}

// Subscribe pumps decoded chat-channel messages into sink until ctx ends or
// the subscription dies. Undecodable payloads are logged and skipped. The
// caller owns sink and decides whether to respawn on error.
func (c *Client) Subscribe(ctx context.Context, sink chan<- protocol.Message) error {
	sub := c.rdb.Subscribe(ctx, chatChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return errs.Wrap(errs.KindDirectory, "subscribing to chat channel", err)
	}
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errs.New(errs.KindDirectory, "chat subscription closed")
			}
			m, err := protocol.DecodePayload([]byte(msg.Payload))
			if err != nil {
				c.logger.Warn().Err(err).Msg("dropping undecodable chat payload")
				continue
			}
			select {
			case sink <- m:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
