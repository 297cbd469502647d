package config

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStunServersDefault(t *testing.T) {
	t.Setenv("STUN_SERVERS", "")

	servers := GetStunServers()
	require.NotEmpty(t, servers)
	for _, s := range servers {
		require.NotEmpty(t, s.URLs)
		assert.Contains(t, s.URLs[0], "stun:")
	}
}

func TestStunServersFromEnv(t *testing.T) {
	t.Setenv("STUN_SERVERS", "stun:one.example.com:3478, stun:two.example.com:3478")

	servers := GetStunServers()
	require.Len(t, servers, 2)
	assert.Equal(t, "stun:one.example.com:3478", servers[0].URLs[0])
	assert.Equal(t, "stun:two.example.com:3478", servers[1].URLs[0])
}

func TestTurnServersUnsetReturnsNil(t *testing.T) {
	t.Setenv("TURN_SERVERS", "")
	assert.Nil(t, GetTurnServers())
}

func TestTurnServersCarryCredentials(t *testing.T) {
	t.Setenv("TURN_SERVERS", "turn:relay.example.com:3478")
	t.Setenv("TURN_USERNAME", "user")
	t.Setenv("TURN_CREDENTIAL", "pass")

	servers := GetTurnServers()
	require.Len(t, servers, 1)
	assert.Equal(t, "user", servers[0].Username)
	assert.Equal(t, "pass", servers[0].Credential)
}

func TestProbeStunServerSuccess(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	// minimal STUN responder: any binding request gets a success response
	go func() {
		buf := make([]byte, 1500)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		var req stun.Message
		req.Raw = append([]byte(nil), buf[:n]...)
		if err := req.Decode(); err != nil {
			return
		}
		resp := stun.MustBuild(stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess)
		_, _ = pc.WriteTo(resp.Raw, addr)
	}()

	assert.True(t, ProbeStunServer("stun:"+pc.LocalAddr().String(), 2*time.Second))
}

func TestProbeStunServerTimeout(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	// the listener never answers, the probe must give up
	assert.False(t, ProbeStunServer("stun:"+pc.LocalAddr().String(), 150*time.Millisecond))
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
	assert.NotNil(t, cert.PrivateKey)
}
