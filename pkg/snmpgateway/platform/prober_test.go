package platform_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/platform"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/publish"
)

func fastProber(avail *publish.Availability, check platform.CheckFunc) *platform.Prober {
	return platform.NewProber(platform.ProberConfig{
		Interval:     10 * time.Millisecond,
		MaxInterval:  20 * time.Millisecond,
		CheckTimeout: 50 * time.Millisecond,
	}, avail, check, nil)
}

func TestProber_IdleWhileAvailable(t *testing.T) {
	var calls atomic.Int32
	p := fastProber(publish.NewAvailability(), func(context.Context) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	assert.Zero(t, calls.Load())
}

func TestProber_RestoresAfterRecovery(t *testing.T) {
	avail := publish.NewAvailability()
	avail.MarkUnavailable()

	var calls atomic.Int32
	p := fastProber(avail, func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, avail.IsAvailable, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestProber_StopsOnCancelWhileDown(t *testing.T) {
	avail := publish.NewAvailability()
	avail.MarkUnavailable()
	p := fastProber(avail, func(context.Context) error { return errors.New("down") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, avail.IsAvailable())
}

func TestProber_ProbeHonoursCheckTimeout(t *testing.T) {
	avail := publish.NewAvailability()
	avail.MarkUnavailable()
	p := fastProber(avail, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := p.Probe(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, avail.IsAvailable())
}
