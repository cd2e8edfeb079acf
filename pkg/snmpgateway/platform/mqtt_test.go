package platform_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/platform"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/publish"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the parts of mqtt.Client the sink uses.
type fakeClient struct {
	mqtt.Client

	connected  atomic.Bool
	publishErr error
	hang       bool

	mu   sync.Mutex
	sent []published
}

func (c *fakeClient) IsConnected() bool { return c.connected.Load() }

func (c *fakeClient) Connect() mqtt.Token {
	c.connected.Store(true)
	return doneToken(nil)
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	if c.hang {
		return &fakeToken{done: make(chan struct{})}
	}
	c.mu.Lock()
	c.sent = append(c.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	c.mu.Unlock()
	return doneToken(c.publishErr)
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var pe *publish.PlatformError
	require.ErrorAs(t, err, &pe)
	return pe.Status
}

func TestMQTTSink_Publishes(t *testing.T) {
	client := &fakeClient{}
	sink := platform.NewMQTTSink(client, platform.MQTTConfig{TopicPrefix: "gw/42/", QoS: 1}, nil)
	require.NoError(t, sink.Connect(context.Background()))

	require.NoError(t, sink.Deliver(context.Background(), message("m", models.CategoryMeasurement, `{"v":1}`)))

	require.Len(t, client.sent, 1)
	assert.Equal(t, "gw/42/measurement", client.sent[0].topic)
	assert.Equal(t, byte(1), client.sent[0].qos)
	assert.Equal(t, `{"v":1}`, string(client.sent[0].payload))
}

func TestMQTTSink_DefaultTopicPrefix(t *testing.T) {
	sink := platform.NewMQTTSink(&fakeClient{}, platform.MQTTConfig{}, nil)
	assert.Equal(t, "snmpgateway/alarm", sink.Topic(models.CategoryAlarm))
}

func TestMQTTSink_NotConnectedIsUnavailable(t *testing.T) {
	client := &fakeClient{}
	sink := platform.NewMQTTSink(client, platform.MQTTConfig{}, nil)

	err := sink.Deliver(context.Background(), message("m", models.CategoryEvent, `{}`))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(t, err))
	assert.False(t, publish.IsInvalid(err))
	assert.Empty(t, client.sent)
}

func TestMQTTSink_TimeoutIsUnavailable(t *testing.T) {
	client := &fakeClient{hang: true}
	client.connected.Store(true)
	sink := platform.NewMQTTSink(client, platform.MQTTConfig{PublishTimeout: 20 * time.Millisecond}, nil)

	err := sink.Deliver(context.Background(), message("m", models.CategoryEvent, `{}`))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(t, err))
}

func TestMQTTSink_BrokerErrorIsUnavailable(t *testing.T) {
	client := &fakeClient{publishErr: errors.New("not authorised")}
	client.connected.Store(true)
	sink := platform.NewMQTTSink(client, platform.MQTTConfig{}, nil)

	err := sink.Deliver(context.Background(), message("m", models.CategoryEvent, `{}`))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(t, err))
	assert.ErrorIs(t, err, client.publishErr)
}

func TestMQTTSink_BatchStopsAtFirstFailure(t *testing.T) {
	client := &fakeClient{}
	client.connected.Store(true)
	sink := platform.NewMQTTSink(client, platform.MQTTConfig{Batching: true}, nil)
	assert.True(t, sink.BatchingSupported())

	require.NoError(t, sink.DeliverBatch(context.Background(), []models.Message{
		message("1", models.CategoryMeasurement, `{}`),
		message("2", models.CategoryMeasurement, `{}`),
	}))
	assert.Len(t, client.sent, 2)

	client.connected.Store(false)
	err := sink.DeliverBatch(context.Background(), []models.Message{message("3", models.CategoryMeasurement, `{}`)})
	var be *publish.BatchError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Aborted)
}

func TestMQTTCheck(t *testing.T) {
	client := &fakeClient{}
	check := platform.MQTTCheck(client)
	assert.Error(t, check(context.Background()))
	client.connected.Store(true)
	assert.NoError(t, check(context.Background()))
}
