// Package push delivers Web Push notifications. Browser subscriptions live in
// Redis lists keyed per user; sends are signed with VAPID keys.
package push

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/redis/go-redis/v9"

	"github.com/bloodconnect/internal/logger"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
	sendTimeout     = 10 * time.Second
)

// Subscription is the browser-side push subscription as delivered by the
// PushManager API.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Sender stores subscriptions and pushes notifications. With nil VAPID
// options, subscriptions are still stored but nothing is sent.
type Sender struct {
	redis *redis.Client
	vapid *webpush.Options
}

func NewSender(rdb *redis.Client, keys *VAPIDKeys) *Sender {
	var opts *webpush.Options
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		opts = &webpush.Options{
			Subscriber:      "bloodconnect-push",
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return &Sender{redis: rdb, vapid: opts}
}

// PublicKey returns the VAPID public key clients need to subscribe, or ""
// when push is not configured.
func (s *Sender) PublicKey() string {
	if s.vapid == nil {
		return ""
	}
	return s.vapid.VAPIDPublicKey
}

// Subscribe stores the subscription under the user's key. The list is capped
// and refreshed on every subscribe, so stale devices age out.
func (s *Sender) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := redisKeyPrefix + userID
	pipe := s.redis.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Unsubscribe removes the subscription with the given endpoint.
func (s *Sender) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return s.removeSubscription(ctx, userID, endpoint)
}

// Notify pushes a notification to every device the user has registered.
// Delivery runs in the background; the caller never waits on push endpoints.
func (s *Sender) Notify(ctx context.Context, userID, title, body string) {
	if s.vapid == nil {
		return
	}
	if len(body) > 120 {
		body = body[:117] + "..."
	}
	go s.send(userID, title, body)
}

func (s *Sender) send(userID, title, body string) {
	defer logger.DeferLogDuration("push.send", time.Now())()
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	key := redisKeyPrefix + userID
	list, err := s.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		logger.Errorf("push: load subscriptions user=%s: %v", userID, err)
		return
	}
	if len(list) == 0 {
		return
	}

	payload, _ := json.Marshal(map[string]string{"title": title, "body": body})
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) != nil || sub.Endpoint == "" {
			continue
		}
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.vapid)
		if err != nil {
			logger.Errorf("push: send %s: %v", truncate(sub.Endpoint, 50), err)
			continue
		}
		resp.Body.Close()
		// Gone endpoints are pruned so dead devices stop consuming sends.
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			s.removeSubscription(ctx, userID, sub.Endpoint)
		}
	}
}

func (s *Sender) removeSubscription(ctx context.Context, userID, endpoint string) error {
	key := redisKeyPrefix + userID
	list, err := s.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	var kept []string
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != endpoint {
			kept = append(kept, item)
		}
	}
	s.redis.Del(ctx, key)
	for _, v := range kept {
		s.redis.RPush(ctx, key, v)
	}
	if len(kept) > 0 {
		s.redis.Expire(ctx, key, subscriptionTTL)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
