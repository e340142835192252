package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "hookcatch:notify:"

// RedisRelay publishes events on Redis so every instance behind a load
// balancer can reach its own locally connected subscribers. Run must be
// started on each instance to feed the local Hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	log    logrus.FieldLogger
}

func NewRedisRelay(client *redis.Client, hub *Hub, logger logrus.FieldLogger) *RedisRelay {
	return &RedisRelay{client: client, hub: hub, log: logger.WithField("component", "notify-redis")}
}

// DialRedis parses a redis:// URL and checks the server is reachable.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func channelFor(endpointID string) string { return channelPrefix + endpointID }

func encodeEvent(endpointID string, s Summary) ([]byte, error) {
	return json.Marshal(Event{Type: EventReceiveRequest, EndpointID: endpointID, Payload: s})
}

func decodeEvent(channel, payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, err
	}
	if ev.EndpointID == "" {
		ev.EndpointID = strings.TrimPrefix(channel, channelPrefix)
	}
	return ev, nil
}

func (r *RedisRelay) Publish(ctx context.Context, endpointID string, s Summary) error {
	data, err := encodeEvent(endpointID, s)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channelFor(endpointID), data).Err()
}

// Run relays events from Redis into the local Hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.log.Info("redis relay subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decodeEvent(msg.Channel, msg.Payload)
			if err != nil {
				r.log.WithError(err).WithField("channel", msg.Channel).Warn("dropping malformed event")
				continue
			}
			_ = r.hub.Publish(ctx, ev.EndpointID, ev.Payload)
		}
	}
}
