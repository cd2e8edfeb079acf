package target_test

import (
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/target"
)

var ep = models.Endpoint{Transport: models.TransportUDP, Host: "10.0.0.5", Port: 161}

func TestResolve_V3UserTarget(t *testing.T) {
	auth := models.AuthProfile{
		Version:       models.Version3,
		Username:      "operator",
		SecurityLevel: models.AuthPriv,
		EngineID:      "80001f8880e9630000d61ff449",
		AuthProtocol:  "sha",
		PrivProtocol:  "aes",
	}
	got := target.Resolve(auth, ep, target.Settings{Community: "public"})

	assert.Equal(t, target.UserTarget, got.Kind)
	assert.Equal(t, "operator", got.SecurityName)
	assert.Equal(t, models.AuthPriv, got.SecurityLevel)
	assert.Equal(t, "80001f8880e9630000d61ff449", got.ContextEngineID)
	assert.Empty(t, got.Community)
	assert.Equal(t, 3, got.Retries)
	assert.Equal(t, 5000*time.Millisecond, got.Timeout)
}

func TestResolve_V2cCommunityTarget(t *testing.T) {
	got := target.Resolve(models.AuthProfile{Version: models.Version2c}, ep, target.Settings{Community: "public"})

	assert.Equal(t, target.CommunityTarget, got.Kind)
	assert.Equal(t, "public", got.Community)
	assert.Equal(t, 3, got.Retries)
	assert.Equal(t, 5000*time.Millisecond, got.Timeout)
	assert.Empty(t, got.SecurityName)
}

func TestResolve_ProfileCommunityWins(t *testing.T) {
	got := target.Resolve(models.AuthProfile{Version: models.Version1, Community: "private"}, ep, target.Settings{Community: "public"})
	assert.Equal(t, "private", got.Community)
	assert.Equal(t, models.Version1, got.Version)
}

func TestResolve_SettingsOverrideDefaults(t *testing.T) {
	got := target.Resolve(models.AuthProfile{Version: models.Version2c}, ep, target.Settings{Retries: 1, Timeout: time.Second})
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, time.Second, got.Timeout)
}

func TestResolve_V3LevelDerivedFromProtocols(t *testing.T) {
	got := target.Resolve(models.AuthProfile{Version: models.Version3, Username: "u", AuthProtocol: "md5"}, ep, target.Settings{})
	assert.Equal(t, models.AuthNoPriv, got.SecurityLevel)
}

func TestSession_Community(t *testing.T) {
	tcp := ep
	tcp.Transport = models.TransportTCP
	g := target.Resolve(models.AuthProfile{Version: models.Version1}, tcp, target.Settings{Community: "public"}).Session()

	assert.Equal(t, gosnmp.Version1, g.Version)
	assert.Equal(t, "public", g.Community)
	assert.Equal(t, "10.0.0.5", g.Target)
	assert.Equal(t, uint16(161), g.Port)
	assert.Equal(t, "tcp", g.Transport)
	assert.Equal(t, 3, g.Retries)
}

func TestSession_User(t *testing.T) {
	auth := models.AuthProfile{Version: models.Version3, Username: "operator", SecurityLevel: models.AuthNoPriv, AuthProtocol: "sha256", AuthPassphrase: "secret123"}
	g := target.Resolve(auth, ep, target.Settings{}).Session()

	assert.Equal(t, gosnmp.Version3, g.Version)
	assert.Equal(t, gosnmp.UserSecurityModel, g.SecurityModel)
	assert.Equal(t, gosnmp.AuthNoPriv|gosnmp.Reportable, g.MsgFlags)
	usm, ok := g.SecurityParameters.(*gosnmp.UsmSecurityParameters)
	require.True(t, ok)
	assert.Equal(t, "operator", usm.UserName)
	assert.Equal(t, gosnmp.SHA256, usm.AuthenticationProtocol)
	assert.Empty(t, g.Community)
}
