package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
)

// envelope 频道上传输的消息，Origin 标识发布实例，用于跳过自己发出的通知
type envelope struct {
	Origin string         `json:"origin"`
	Notice *domain.Notice `json:"notice"`
}

// NoticeBus 通过 Redis pub/sub 在多个实例之间转发账本通知。
// 作为 notice.Sink 发布本实例的通知；Relay 把其他实例的通知交给本地处理函数。
type NoticeBus struct {
	client *Client
	origin string
	log    *zap.Logger
}

// NewNoticeBus 创建通知总线，每个实例生成唯一的 origin
func NewNoticeBus(client *Client, log *zap.Logger) *NoticeBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &NoticeBus{client: client, origin: uuid.NewString(), log: log}
}

// Origin 本实例标识
func (b *NoticeBus) Origin() string {
	return b.origin
}

// Name sink 名称
func (b *NoticeBus) Name() string { return "redis" }

// Deliver 发布一条通知
func (b *NoticeBus) Deliver(ctx context.Context, n *domain.Notice) error {
	data, err := json.Marshal(envelope{Origin: b.origin, Notice: n})
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	return b.client.rdb.Publish(ctx, b.client.channel, data).Err()
}

// Relay 订阅频道，把其他实例发布的通知交给 handle，直到 ctx 结束
func (b *NoticeBus) Relay(ctx context.Context, handle func(ctx context.Context, n *domain.Notice) error) error {
	sub := b.client.rdb.Subscribe(ctx, b.client.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.client.channel, err)
	}
	b.log.Info("relaying notices from redis", zap.String("channel", b.client.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Notice == nil {
				b.log.Warn("invalid notice on channel", zap.Error(err))
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			if err := handle(ctx, env.Notice); err != nil {
				b.log.Warn("relay notice failed", zap.String("type", string(env.Notice.Type)), zap.Error(err))
			}
		}
	}
}
