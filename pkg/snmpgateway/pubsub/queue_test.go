package pubsub_test

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/pubsub"
)

func msgs(ids ...string) []models.Message {
	out := make([]models.Message, len(ids))
	for i, id := range ids {
		out[i] = models.Message{ID: id, Category: models.CategoryEvent, Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))}
	}
	return out
}

func ids(ms []models.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

// queues runs fn against every Queue implementation.
func queues(t *testing.T, fn func(t *testing.T, q pubsub.Queue)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, pubsub.NewMemoryQueue(0))
	})
	t.Run("redis", func(t *testing.T) {
		s, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(s.Close)

		q, err := pubsub.NewRedisQueue(s.Addr(), "", 0, models.CategoryEvent, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = q.Close() })
		fn(t, q)
	})
}

func TestQueue_FIFO(t *testing.T) {
	queues(t, func(t *testing.T, q pubsub.Queue) {
		require.NoError(t, q.Push(msgs("a", "b")...))
		require.NoError(t, q.Push(msgs("c")...))

		n, err := q.Len()
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		got, err := q.Pop(2)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(got))

		got, err = q.Pop(10)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(got))

		got, err = q.Pop(10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestQueue_PushFrontKeepsOrder(t *testing.T) {
	queues(t, func(t *testing.T, q pubsub.Queue) {
		require.NoError(t, q.Push(msgs("a", "b", "c", "d")...))

		batch, err := q.Pop(2)
		require.NoError(t, err)
		require.NoError(t, q.Push(msgs("e")...))
		require.NoError(t, q.PushFront(batch...))

		got, err := q.Pop(10)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(got))
	})
}

func TestQueue_PreservesPayload(t *testing.T) {
	queues(t, func(t *testing.T, q pubsub.Queue) {
		in := msgs("a")
		require.NoError(t, q.Push(in...))
		got, err := q.Pop(1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, in[0].Category, got[0].Category)
		assert.JSONEq(t, string(in[0].Payload), string(got[0].Payload))
	})
}

func TestQueue_PopNonPositive(t *testing.T) {
	queues(t, func(t *testing.T, q pubsub.Queue) {
		require.NoError(t, q.Push(msgs("a")...))
		got, err := q.Pop(0)
		require.NoError(t, err)
		assert.Empty(t, got)
		n, _ := q.Len()
		assert.Equal(t, 1, n)
	})
}

func TestMemoryQueue_Bounded(t *testing.T) {
	q := pubsub.NewMemoryQueue(2)
	require.NoError(t, q.Push(msgs("a", "b")...))
	assert.ErrorIs(t, q.Push(msgs("c")...), pubsub.ErrQueueFull)

	batch, _ := q.Pop(2)
	require.NoError(t, q.Push(msgs("c", "d")...))
	require.NoError(t, q.PushFront(batch...), "returned messages are always accepted")
	n, _ := q.Len()
	assert.Equal(t, 4, n)
}

func TestRedisQueue_Key(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	q, err := pubsub.NewRedisQueue(s.Addr(), "", 0, models.CategoryAlarm, nil)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Push(msgs("a")...))
	assert.Equal(t, "snmpgateway:queue:alarm", q.Key())
	items, err := s.List(q.Key())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRedisQueue_Unreachable(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	addr := s.Addr()
	s.Close()

	_, err = pubsub.NewRedisQueue(addr, "", 0, models.CategoryEvent, nil)
	assert.Error(t, err)
}

func TestRedisQueue_CorruptEntryDroppedAndLogged(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	q, err := pubsub.NewRedisQueue(s.Addr(), "", 0, models.CategoryEvent, logger)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Push(msgs("a")...))
	_, err = s.Push(q.Key(), "{not json")
	require.NoError(t, err)
	require.NoError(t, q.Push(msgs("b")...))

	got, err := q.Pop(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))
	assert.Contains(t, buf.String(), "pubsub: dropped corrupt queue entry")

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}
