package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const bodyField = "body"

// StreamQueue 基于 Redis Stream 消费组的履约队列：
// - Receive 先用 XAUTOCLAIM 认领空闲超过可见性超时的 pending 消息（即重新投递），
//   没有再 XREADGROUP 阻塞读新消息
// - Delete 在一个 TxPipeline 里 XACK + XDEL
type StreamQueue struct {
	rdb *rd.Client
	log *slog.Logger

	stream   string
	group    string
	consumer string

	wait       time.Duration
	visibility time.Duration

	groupReady atomic.Bool
}

type StreamOptions struct {
	Stream     string
	Group      string
	Consumer   string
	Wait       time.Duration
	Visibility time.Duration
}

func NewStreamQueue(rdb *rd.Client, opts StreamOptions, log *slog.Logger) *StreamQueue {
	return &StreamQueue{
		rdb:        rdb,
		log:        log,
		stream:     opts.Stream,
		group:      opts.Group,
		consumer:   opts.Consumer,
		wait:       opts.Wait,
		visibility: opts.Visibility,
	}
}

func (q *StreamQueue) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	id, err := q.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{bodyField: string(b)},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", q.stream, err)
	}
	q.log.Debug("message sent", "stream", q.stream, "id", id, "order_code", msg.OrderCode)
	return nil
}

func (q *StreamQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	// 先认领超时未确认的消息，保证失败的处理会被重新投递。
	claimed, _, err := q.rdb.XAutoClaim(ctx, &rd.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return nil, fmt.Errorf("xautoclaim %s: %w", q.stream, err)
	}
	if len(claimed) > 0 {
		q.log.Info("redelivering unacknowledged messages", "stream", q.stream, "count", len(claimed))
		return toDeliveries(claimed), nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    q.wait,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", q.stream, err)
	}
	var out []Delivery
	for _, s := range streams {
		out = append(out, toDeliveries(s.Messages)...)
	}
	return out, nil
}

func (q *StreamQueue) Delete(ctx context.Context, d Delivery) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, d.Handle)
	pipe.XDel(ctx, q.stream, d.Handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", d.Handle, err)
	}
	return nil
}

// Close 连接由调用方持有，这里无需释放。
func (q *StreamQueue) Close() error { return nil }

func (q *StreamQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", q.group, err)
	}
	q.groupReady.Store(true)
	return nil
}

func toDeliveries(msgs []rd.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, xm := range msgs {
		d := Delivery{Handle: xm.ID}
		// 缺字段的脏消息也照常返回，由消费者解析失败后删除
		switch v := xm.Values[bodyField].(type) {
		case string:
			d.Body = []byte(v)
		case []byte:
			d.Body = v
		}
		out = append(out, d)
	}
	return out
}
