package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit events as JSON to a topic. Writes are async;
// delivery failures are logged by the writer and never block a request.
type KafkaSink struct {
	l     *slog.Logger
	w     messageWriter
	topic string
}

func NewKafkaSink(l *slog.Logger, brokers []string, topic string) *KafkaSink {
	l = l.WithGroup("kafka").With("topic", topic)
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		Async:                  true,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...interface{}) { l.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { l.Error(fmt.Sprintf(msg, args...)) }),
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{l: l, w: w, topic: topic}
}

func (k *KafkaSink) publish(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		k.l.Error("marshal audit event", "err", err)
		return
	}
	err = k.w.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(key),
		Value: b,
	})
	if err != nil {
		k.l.Error("write audit event", "err", err)
	}
}

func (k *KafkaSink) Decision(ctx context.Context, d Decision) {
	d.Kind = "decision"
	k.publish(ctx, d.Resource, d)
}

func (k *KafkaSink) Change(ctx context.Context, c Change) {
	c.Kind = "change"
	k.publish(ctx, strconv.FormatInt(c.TargetID, 10), c)
}

func (k *KafkaSink) Close() error {
	return k.w.Close()
}
