package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "pos:payments:"

func Channel(orderCode int64) string {
	return channelPrefix + strconv.FormatInt(orderCode, 10)
}

// RedisFeed fans payment events out across processes with Redis Pub/Sub.
type RedisFeed struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisFeed(client *redis.Client, log *zap.Logger) *RedisFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisFeed{client: client, log: log.With(zap.String("component", "feed"))}
}

func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, Channel(event.OrderCode), payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, orderCode int64) (Subscription, error) {
	ps := f.client.Subscribe(ctx, Channel(orderCode))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(orderCode), err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
		exit: make(chan struct{}),
	}
	go sub.forward(f.log)
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Event
	done chan struct{}
	exit chan struct{}
	once sync.Once
	err  error
}

func (s *redisSubscription) forward(log *zap.Logger) {
	defer close(s.exit)
	defer close(s.out)

	for msg := range s.ps.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Warn("dropping undecodable payment event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) C() <-chan Event {
	return s.out
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
		<-s.exit
	})
	return s.err
}
