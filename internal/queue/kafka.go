package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaQueue 基于 Kafka 消费组的履约队列。
// Kafka 没有服务端可见性超时：Receive 拿到但超时未 Delete 的消息会被重新写回 topic，
// 然后提交原 offset，以此模拟“超时重新投递”。
type KafkaQueue struct {
	w   *kafka.Writer
	r   *kafka.Reader
	log *slog.Logger

	wait       time.Duration
	visibility time.Duration
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]inflightMsg
}

type inflightMsg struct {
	msg       kafka.Message
	fetchedAt time.Time
}

type KafkaOptions struct {
	Brokers    []string
	Topic      string
	GroupID    string
	Wait       time.Duration
	Visibility time.Duration
}

// NewKafkaQueue 生产端可靠性参数沿用：
// - Hash + Key: 同一订单号落到同一分区
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险
func NewKafkaQueue(opts KafkaOptions, log *slog.Logger) *KafkaQueue {
	return &KafkaQueue{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Topic:                  opts.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            5,
			WriteTimeout:           5 * time.Second,
			ReadTimeout:            5 * time.Second,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  opts.Brokers,
			Topic:    opts.Topic,
			GroupID:  opts.GroupID,
			MinBytes: 1,
			MaxBytes: 1e6,
			MaxWait:  opts.Wait,
		}),
		log:        log,
		wait:       opts.Wait,
		visibility: opts.Visibility,
		now:        time.Now,
		inflight:   map[string]inflightMsg{},
	}
}

func (q *KafkaQueue) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.publish(ctx, []byte(msg.OrderCode), b)
}

func (q *KafkaQueue) publish(ctx context.Context, key, value []byte) error {
	if err := q.w.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (q *KafkaQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if err := q.redeliverExpired(ctx); err != nil {
		return nil, err
	}

	var out []Delivery
	wait := q.wait
	for len(out) < max {
		fctx, cancel := context.WithTimeout(ctx, wait)
		m, err := q.r.FetchMessage(fctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("kafka fetch: %w", err)
		}

		handle := kafkaHandle(m)
		q.mu.Lock()
		q.inflight[handle] = inflightMsg{msg: m, fetchedAt: q.now()}
		q.mu.Unlock()
		out = append(out, Delivery{Handle: handle, Body: m.Value})

		// 拿到第一条后只再短暂等待，凑批但不拖慢处理
		wait = 20 * time.Millisecond
	}
	return out, nil
}

func (q *KafkaQueue) Delete(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	in, ok := q.inflight[d.Handle]
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if err := q.r.CommitMessages(ctx, in.msg); err != nil {
		return fmt.Errorf("kafka commit %s: %w", d.Handle, err)
	}
	q.mu.Lock()
	delete(q.inflight, d.Handle)
	q.mu.Unlock()
	return nil
}

// redeliverExpired 把超过可见性超时仍未确认的消息重新写回 topic 后提交原 offset。
func (q *KafkaQueue) redeliverExpired(ctx context.Context) error {
	now := q.now()
	q.mu.Lock()
	var expired []string
	for h, in := range q.inflight {
		if now.Sub(in.fetchedAt) >= q.visibility {
			expired = append(expired, h)
		}
	}
	q.mu.Unlock()

	for _, h := range expired {
		q.mu.Lock()
		in := q.inflight[h]
		q.mu.Unlock()

		if err := q.publish(ctx, in.msg.Key, in.msg.Value); err != nil {
			return err
		}
		if err := q.r.CommitMessages(ctx, in.msg); err != nil {
			return fmt.Errorf("kafka commit %s: %w", h, err)
		}
		q.mu.Lock()
		delete(q.inflight, h)
		q.mu.Unlock()
		q.log.Info("redelivering unacknowledged message", "handle", h)
	}
	return nil
}

func (q *KafkaQueue) Close() error {
	return errors.Join(q.r.Close(), q.w.Close())
}

func kafkaHandle(m kafka.Message) string {
	return fmt.Sprintf("%d:%d", m.Partition, m.Offset)
}
