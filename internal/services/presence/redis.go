package presence

import (
	"context"
	"encoding/json"
	"strings"

	"contract-collab/internal/logging"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "collab:presence:"

type envelope struct {
	Node    string `json:"node"`
	Session string `json:"session"`
	Update  Update `json:"update"`
}

// RedisRelay fans presence out to the other nodes through Redis pub/sub.
// As a Broadcaster it publishes local updates; Run delivers remote ones
// to a local Broadcaster.
type RedisRelay struct {
	rdb    *redis.Client
	nodeID string
	log    zerolog.Logger
}

// NewRedisRelay creates a relay identified by nodeID. Messages a node
// published itself are dropped on receipt.
func NewRedisRelay(rdb *redis.Client, nodeID string) *RedisRelay {
	return &RedisRelay{rdb: rdb, nodeID: nodeID, log: logging.Component("presence")}
}

// BroadcastPresence publishes without waiting for the result.
func (r *RedisRelay) BroadcastPresence(sessionID string, u Update) {
	payload, err := json.Marshal(envelope{Node: r.nodeID, Session: sessionID, Update: u})
	if err != nil {
		return
	}
	go func() {
		if err := r.rdb.Publish(context.Background(), channelPrefix+sessionID, payload).Err(); err != nil {
			r.log.Debug().Err(err).Str("session", sessionID).Msg("presence publish failed")
		}
	}()
}

// Run subscribes to every session's presence channel until ctx ends and
// hands remote updates to local.
func (r *RedisRelay) Run(ctx context.Context, local Broadcaster) error {
	pubsub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed presence message")
				continue
			}
			if env.Node == r.nodeID {
				continue
			}
			if env.Session == "" {
				env.Session = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			local.BroadcastPresence(env.Session, env.Update)
		}
	}
}
