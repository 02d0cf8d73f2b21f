// Package sink mirrors head-position advancement events onto an
// external Kafka-compatible topic, for consumers outside this process
// that want a push feed of "the all-stream advanced" without polling
// the store themselves.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/lumadb/eventstore/pkg/eventstore"
)

// RedpandaMirror forwards eventstore.StreamsUpdated events to a topic.
// Publish failures are logged and otherwise ignored: the mirror is a
// convenience side-channel, never a source of truth for subscribers.
type RedpandaMirror struct {
	logger *zap.Logger
	client *kgo.Client
	topic  string
}

// NewRedpandaMirror connects to brokers and returns a mirror publishing
// to topic. If brokers is empty, it returns (nil, nil): callers should
// treat a nil *RedpandaMirror as "disabled" and skip wiring it up.
func NewRedpandaMirror(brokers []string, topic string, logger *zap.Logger) (*RedpandaMirror, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = "eventstore.streams_updated"
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("sink: new redpanda client: %w", err)
	}

	return &RedpandaMirror{logger: logger, client: client, topic: topic}, nil
}

// wireEvent is the JSON shape published to the mirror topic; deciding
// on JSON here (rather than msgpack) keeps the topic readable by any
// downstream consumer, not just Go clients sharing this module.
type wireEvent struct {
	Head int64 `json:"head"`
}

// Publish synchronously produces one record per call. Intended to be
// invoked from a Notifier subscriber goroutine, not the notifier's own
// polling loop, so a slow broker never stalls head-position polling.
func (m *RedpandaMirror) Publish(ctx context.Context, ev eventstore.StreamsUpdated) {
	if m == nil {
		return
	}
	val, err := json.Marshal(wireEvent{Head: ev.Head})
	if err != nil {
		m.logger.Error("sink: marshal streams_updated event failed", zap.Error(err))
		return
	}

	record := &kgo.Record{Topic: m.topic, Value: val}
	if err := m.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		m.logger.Error("sink: produce to redpanda failed", zap.String("topic", m.topic), zap.Error(err))
	}
}

// Run subscribes to notifier and publishes every event until ctx is
// cancelled. Intended to run in its own goroutine, started alongside
// the store's notifier and stopped when the store is disposed.
func (m *RedpandaMirror) Run(ctx context.Context, notifier *eventstore.Notifier) {
	if m == nil {
		return
	}
	ch, unsubscribe := notifier.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Publish(ctx, ev)
		}
	}
}

// Close releases the underlying Kafka client.
func (m *RedpandaMirror) Close() {
	if m == nil {
		return
	}
	m.client.Close()
}
