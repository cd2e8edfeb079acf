package subscription_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/subscription"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/trapreceiver"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeListener struct {
	mu       sync.Mutex
	installs []models.SubscriptionTable
	gateways []models.Gateway
	err      error
}

func (l *fakeListener) Install(t models.SubscriptionTable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.installs = append(l.installs, t)
}

func (l *fakeListener) SetGateway(gw models.Gateway) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gateways = append(l.gateways, gw)
	return l.err
}

func (l *fakeListener) last() models.SubscriptionTable {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.installs) == 0 {
		return nil
	}
	return l.installs[len(l.installs)-1]
}

type inventory struct {
	devices map[string]models.Device
	types   map[string]models.DeviceType
	panics  bool
}

func (i *inventory) Device(id string) (models.Device, bool) {
	if i.panics {
		panic("repository corrupted")
	}
	d, ok := i.devices[id]
	return d, ok
}

func (i *inventory) DeviceType(id string) (models.DeviceType, bool) {
	t, ok := i.types[id]
	return t, ok
}

type recorder struct {
	mu     sync.Mutex
	events []models.ConfigEvent
}

func (r *recorder) Publish(ev models.ConfigEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Fixtures
// ─────────────────────────────────────────────────────────────────────────────

var (
	gw = models.Gateway{ID: "gw-1", DeviceIDs: []string{"ups-1", "ups-2"}}

	upsType = models.DeviceType{ID: "ups", Registers: []models.Register{
		{OID: ".1.3.6.1.2.1.1.3.0", Name: "uptime"},
		{OID: "1.3.6.1.2.1.33.1.2.4.0", Name: "battery.charge", Unit: "%"},
	}}
	emptyType = models.DeviceType{ID: "empty"}

	ups1 = device("ups-1", "10.0.0.5", "ups")
	ups2 = device("ups-2", "10.0.0.6", "ups")
)

func device(id, host, typ string) models.Device {
	return models.Device{
		ID:           id,
		Endpoint:     models.Endpoint{Transport: models.TransportUDP, Host: host, Port: 161},
		DeviceTypeID: typ,
	}
}

func newManager(t *testing.T) (*subscription.Manager, *fakeListener, *inventory, *recorder) {
	t.Helper()
	l := &fakeListener{}
	inv := &inventory{
		devices: map[string]models.Device{"ups-1": ups1, "ups-2": ups2},
		types:   map[string]models.DeviceType{"ups": upsType, "empty": emptyType},
	}
	rec := &recorder{}
	return subscription.New(l, inv, inv, rec, nil), l, inv, rec
}

// ─────────────────────────────────────────────────────────────────────────────
// subscribe
// ─────────────────────────────────────────────────────────────────────────────

func TestSubscribe_OneEntryPerRegister(t *testing.T) {
	m, l, _, rec := newManager(t)
	require.NoError(t, m.OnDeviceAdded(gw, ups1))

	installed := l.last()
	require.Len(t, installed, 1)
	oids := installed["10.0.0.5"]
	require.Len(t, oids, 2)

	a, ok := installed.Lookup("10.0.0.5", "1.3.6.1.2.1.1.3.0")
	require.True(t, ok, "leading dot normalised away")
	assert.Equal(t, models.ActionDataChanged, a.Kind)
	assert.Equal(t, "ups-1", a.Device.ID)
	assert.Equal(t, "uptime", a.Register.Name)

	assert.Equal(t, []models.EventKind{models.GatewayConfigSuccess}, rec.kinds())
}

func TestSubscribe_NoRegisters(t *testing.T) {
	m, l, _, rec := newManager(t)
	require.NoError(t, m.OnDeviceAdded(gw, ups1))
	before := len(l.installs)

	err := m.OnDeviceTypeChanged(gw, ups2, emptyType)
	assert.ErrorIs(t, err, subscription.ErrNoRegisters)
	assert.Len(t, l.installs, before, "table not reinstalled")
	assert.NotContains(t, m.Table(), "10.0.0.6")

	require.Len(t, rec.events, 2)
	ev := rec.events[1]
	assert.Equal(t, models.DeviceConfigError, ev.Kind)
	assert.Equal(t, models.ReasonNoRegisters, ev.Reason)
	assert.Equal(t, "ups-2", ev.DeviceID)
}

func TestSubscribe_BlankOIDsCountAsNoRegisters(t *testing.T) {
	m, l, _, rec := newManager(t)
	blank := models.DeviceType{ID: "blank", Registers: []models.Register{{OID: " . ", Name: "nothing"}}}

	err := m.OnDeviceTypeChanged(gw, ups1, blank)
	assert.ErrorIs(t, err, subscription.ErrNoRegisters)
	assert.Empty(t, l.installs)
	assert.NotContains(t, m.Table(), "10.0.0.5")

	require.Len(t, rec.events, 1)
	assert.Equal(t, models.DeviceConfigError, rec.events[0].Kind)
	assert.Equal(t, models.ReasonNoRegisters, rec.events[0].Reason)
}

func TestSubscribe_ResubscribeReplacesMap(t *testing.T) {
	m, l, _, _ := newManager(t)
	require.NoError(t, m.OnDeviceAdded(gw, ups1))

	narrowed := models.DeviceType{ID: "ups", Registers: []models.Register{{OID: "1.3.6.1.4.1.318.1.1.1.2.2.1.0", Name: "capacity"}}}
	require.NoError(t, m.OnDeviceTypeChanged(gw, ups1, narrowed))

	installed := l.last()
	_, ok := installed.Lookup("10.0.0.5", "1.3.6.1.2.1.1.3.0")
	assert.False(t, ok, "old OID no longer dispatches")
	_, ok = installed.Lookup("10.0.0.5", "1.3.6.1.4.1.318.1.1.1.2.2.1.0")
	assert.True(t, ok)
	assert.Len(t, installed["10.0.0.5"], 1)
}

func TestSubscribe_InstalledTableIsACopy(t *testing.T) {
	m, l, _, _ := newManager(t)
	require.NoError(t, m.OnDeviceAdded(gw, ups1))
	first := l.last()

	require.NoError(t, m.OnDeviceAdded(gw, ups2))
	assert.Len(t, first, 1, "previously installed table not mutated")
	assert.Len(t, l.last(), 2)
}

func TestSubscribe_EndpointChangeMovesEntry(t *testing.T) {
	m, l, _, _ := newManager(t)
	require.NoError(t, m.OnDeviceAdded(gw, ups1))

	moved := device("ups-1", "10.0.0.9", "ups")
	require.NoError(t, m.OnDeviceAdded(gw, moved))

	installed := l.last()
	assert.NotContains(t, installed, "10.0.0.5")
	assert.Contains(t, installed, "10.0.0.9")
}

func TestOnDeviceAdded_UnknownType(t *testing.T) {
	m, l, _, _ := newManager(t)
	err := m.OnDeviceAdded(gw, device("x", "10.0.0.7", "missing"))
	assert.Error(t, err)
	assert.Empty(t, l.installs)
}

// ─────────────────────────────────────────────────────────────────────────────
// unsubscribe
// ─────────────────────────────────────────────────────────────────────────────

func TestUnsubscribe_Idempotent(t *testing.T) {
	m, l, _, _ := newManager(t)
	require.NoError(t, m.OnDeviceAdded(gw, ups1))
	require.NoError(t, m.OnDeviceAdded(gw, ups2))

	m.OnDeviceRemoved(ups1)
	installs := len(l.installs)
	assert.NotContains(t, l.last(), "10.0.0.5")
	assert.Contains(t, l.last(), "10.0.0.6")

	m.Unsubscribe(ups1)
	assert.Len(t, l.installs, installs, "second unsubscribe is a no-op")
}

// ─────────────────────────────────────────────────────────────────────────────
// RefreshAll
// ─────────────────────────────────────────────────────────────────────────────

func TestRefreshAll_SkipsBadDevices(t *testing.T) {
	m, l, inv, _ := newManager(t)
	inv.devices["bad"] = device("bad", "10.0.0.8", "empty")
	inv.devices["orphan"] = device("orphan", "10.0.0.10", "missing")

	g := models.Gateway{ID: "gw-1", DeviceIDs: []string{"ups-1", "bad", "ghost", "orphan", "ups-2"}}
	require.NoError(t, m.RefreshAll(g))

	require.Len(t, l.gateways, 1)
	table := m.Table()
	assert.Len(t, table, 2)
	assert.Contains(t, table, "10.0.0.5")
	assert.Contains(t, table, "10.0.0.6")
}

func TestRefreshAll_PrunesDevicesNoLongerListed(t *testing.T) {
	m, _, _, _ := newManager(t)
	require.NoError(t, m.RefreshAll(gw))
	require.Len(t, m.Table(), 2)

	require.NoError(t, m.RefreshAll(models.Gateway{ID: "gw-1", DeviceIDs: []string{"ups-2"}}))
	table := m.Table()
	assert.NotContains(t, table, "10.0.0.5")
	assert.Contains(t, table, "10.0.0.6")
}

func TestRefreshAll_PanicBecomesGatewayError(t *testing.T) {
	m, _, inv, rec := newManager(t)
	inv.panics = true

	var err error
	assert.NotPanics(t, func() { err = m.RefreshAll(gw) })
	assert.Error(t, err)
	kinds := rec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, models.GatewayConfigError, kinds[len(kinds)-1])

	// The mutex was released.
	inv.panics = false
	assert.NoError(t, m.OnDeviceAdded(gw, ups1))
}

func TestRefreshAll_ListenerFailure(t *testing.T) {
	m, l, _, rec := newManager(t)
	l.err = errors.New("bind failed")

	assert.Error(t, m.RefreshAll(gw))
	assert.Equal(t, []models.EventKind{models.GatewayConfigError}, rec.kinds())
	assert.Empty(t, l.installs)
}

func TestConcurrentMutations(t *testing.T) {
	m, _, _, _ := newManager(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); _ = m.OnDeviceAdded(gw, ups1) }()
		go func() { defer wg.Done(); m.Unsubscribe(ups1) }()
		go func() { defer wg.Done(); _ = m.RefreshAll(gw) }()
	}
	wg.Wait()
	assert.Contains(t, m.Table(), "10.0.0.6")
}

// ─────────────────────────────────────────────────────────────────────────────
// End to end with the real listener
// ─────────────────────────────────────────────────────────────────────────────

func TestTrapForSubscribedRegister(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()

	listener := trapreceiver.New(trapreceiver.Config{}, nil)
	require.NoError(t, listener.Start(context.Background(),
		models.Endpoint{Transport: models.TransportUDP, Host: "127.0.0.1", Port: port}))
	defer listener.Stop()

	local := device("ups-local", "127.0.0.1", "ups")
	inv := &inventory{
		devices: map[string]models.Device{"ups-local": local},
		types:   map[string]models.DeviceType{"ups": upsType},
	}
	m := subscription.New(listener, inv, inv, nil, nil)
	require.NoError(t, m.OnDeviceAdded(gw, local))
	time.Sleep(50 * time.Millisecond)

	send := func() {
		sender := &gosnmp.GoSNMP{Target: "127.0.0.1", Port: uint16(port), Version: gosnmp.Version2c, Community: "public", Timeout: time.Second}
		require.NoError(t, sender.Connect())
		defer sender.Conn.Close()
		_, err := sender.SendTrap(gosnmp.SnmpTrap{Variables: []gosnmp.SnmpPDU{
			{Name: ".1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(99)},
			{Name: ".1.3.6.1.6.3.1.1.4.1.0", Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.9999.0.1"},
		}})
		require.NoError(t, err)
	}

	send()
	select {
	case got := <-listener.Output():
		assert.Equal(t, "ups-local", got.DeviceID)
		assert.Equal(t, "uptime", got.Register)
		assert.Equal(t, "TRAP", got.PDUType)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("no data-changed message")
	}
	select {
	case extra := <-listener.Output():
		t.Fatalf("unexpected extra message %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	m.Unsubscribe(local)
	send()
	select {
	case got := <-listener.Output():
		t.Fatalf("message after unsubscribe: %+v", got)
	case <-time.After(300 * time.Millisecond):
	}
}
