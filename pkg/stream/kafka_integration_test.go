package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestStream_KafkaSink_Redpanda(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redpanda container test in short mode")
	}
	ctx := t.Context()

	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.2.6")
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to cleanup redpanda container: %v", err)
		}
	}()
	broker, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	const topic = "querypilot.events.test"
	producer, err := NewKafkaClient([]string{broker})
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, EnsureTopic(ctx, producer, topic, 3, 1))
	// a second call finds the topic already there
	require.NoError(t, EnsureTopic(ctx, producer, topic, 3, 1))

	sink, err := NewKafkaSink(KafkaSinkConfig{Logger: discardLogger(), Producer: producer, Topic: topic})
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3; seq++ {
		sink.Publish(ctx, Event{Type: EventThinking, SessionID: "s1", Seq: seq, Content: "working"})
	}
	sink.Publish(ctx, Event{Type: EventComplete, SessionID: "s1", Seq: 4})
	require.NoError(t, producer.Flush(ctx))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var records []*kgo.Record
	for len(records) < 4 {
		fetches := consumer.PollFetches(pollCtx)
		require.NoError(t, pollCtx.Err())
		fetches.EachRecord(func(r *kgo.Record) {
			records = append(records, r)
		})
	}

	// one session's events share a key and so a partition, in order
	var seqs []uint64
	for _, r := range records {
		assert.Equal(t, "s1", string(r.Key))
		assert.Equal(t, records[0].Partition, r.Partition)
		var ev Event
		require.NoError(t, json.Unmarshal(r.Value, &ev))
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
	assert.Equal(t, "type", records[3].Headers[0].Key)
	assert.Equal(t, string(EventComplete), string(records[3].Headers[0].Value))
}
