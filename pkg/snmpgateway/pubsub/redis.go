package pubsub

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"gopkg.in/redis.v5"

	"github.com/vpbank/snmp_gateway/models"
)

// KeyPrefix prefixes the Redis list of every category.
const KeyPrefix = "snmpgateway:queue:"

// popScript takes up to ARGV[1] elements from the head of KEYS[1] in one step,
// so concurrent dispatchers never receive the same message.
const popScript = `
local items = redis.call('LRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #items > 0 then
  redis.call('LTRIM', KEYS[1], #items, -1)
end
return items
`

// RedisQueue is a Queue backed by a Redis list of JSON-encoded messages.
type RedisQueue struct {
	client *redis.Client
	key    string
	owned  bool
	logger *slog.Logger
}

// NewRedisQueue connects to addr and uses the list of category.
func NewRedisQueue(addr, password string, db int, category models.Category, logger *slog.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub: redis %s: %w", addr, err)
	}
	q := NewRedisQueueWithClient(client, category, logger)
	q.owned = true
	return q, nil
}

// NewRedisQueueWithClient shares client between queues. Close does not close
// a shared client.
func NewRedisQueueWithClient(client *redis.Client, category models.Category, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &RedisQueue{client: client, key: KeyPrefix + string(category), logger: logger}
}

// Key is the Redis list the queue uses.
func (q *RedisQueue) Key() string { return q.key }

func (q *RedisQueue) Push(msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	values, err := encode(msgs)
	if err != nil {
		return err
	}
	if err := q.client.RPush(q.key, values...).Err(); err != nil {
		return fmt.Errorf("pubsub: rpush %s: %w", q.key, err)
	}
	return nil
}

// PushFront uses LPUSH with the values reversed, since LPUSH inserts its
// arguments one after another at the head.
func (q *RedisQueue) PushFront(msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	values, err := encode(msgs)
	if err != nil {
		return err
	}
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	if err := q.client.LPush(q.key, values...).Err(); err != nil {
		return fmt.Errorf("pubsub: lpush %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Pop(max int) ([]models.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	res, err := q.client.Eval(popScript, []string{q.key}, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pubsub: pop %s: %w", q.key, err)
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("pubsub: pop %s: unexpected reply %T", q.key, res)
	}
	out := make([]models.Message, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			q.logger.Error("pubsub: dropped non-string queue entry", "key", q.key, "type", fmt.Sprintf("%T", item))
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			// Already trimmed from the list.
			q.logger.Error("pubsub: dropped corrupt queue entry", "key", q.key, "error", err.Error())
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (q *RedisQueue) Len() (int, error) {
	n, err := q.client.LLen(q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("pubsub: llen %s: %w", q.key, err)
	}
	return int(n), nil
}

func (q *RedisQueue) Close() error {
	if !q.owned {
		return nil
	}
	return q.client.Close()
}

func encode(msgs []models.Message) ([]interface{}, error) {
	values := make([]interface{}, len(msgs))
	for i, msg := range msgs {
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("pubsub: encode message %s: %w", msg.ID, err)
		}
		values[i] = raw
	}
	return values, nil
}
