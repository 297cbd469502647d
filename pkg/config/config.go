// Package config resolves runtime settings from the environment: ICE
// servers for NAT traversal and TLS material for the relay.
package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"decay-call/pkg/system"

	"github.com/pion/stun"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// defaultStunServers keep first attempts working without any configuration.
var defaultStunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func getServersFromString(envServers string) []string {
	servers := strings.Split(envServers, ",")
	for i, server := range servers {
		servers[i] = strings.TrimSpace(server)
	}
	return servers
}

// GetStunServers reads STUN_SERVERS (comma separated) and falls back to
// public defaults when unset.
func GetStunServers() []webrtc.ICEServer {
	serverList := defaultStunServers
	if envServer := os.Getenv("STUN_SERVERS"); envServer != "" {
		serverList = getServersFromString(envServer)
	} else {
		log.Debug().Msg("STUN_SERVERS not set, using public defaults")
	}

	stunServers := make([]webrtc.ICEServer, len(serverList))
	for i, server := range serverList {
		stunServers[i] = webrtc.ICEServer{URLs: []string{server}}
	}
	return stunServers
}

// GetTurnServers reads TURN_SERVERS with TURN_USERNAME / TURN_CREDENTIAL.
// Returns nil when unset; retries then run on STUN alone.
func GetTurnServers() []webrtc.ICEServer {
	envServer := os.Getenv("TURN_SERVERS")
	if envServer == "" {
		log.Warn().Msg("TURN server configuration missing, some connections may fail")
		return nil
	}
	username := os.Getenv("TURN_USERNAME")
	credential := os.Getenv("TURN_CREDENTIAL")

	serverList := getServersFromString(envServer)
	turnServers := make([]webrtc.ICEServer, len(serverList))
	for i, server := range serverList {
		turnServers[i] = webrtc.ICEServer{
			URLs:       []string{server},
			Username:   username,
			Credential: credential,
		}
	}
	return turnServers
}

// ProbeStunServer sends one binding request to a stun: URL and reports
// whether a valid success response came back within the timeout.
func ProbeStunServer(stunURL string, timeout time.Duration) bool {
	address := strings.TrimPrefix(stunURL, "stun:")

	conn, err := net.Dial("udp", address)
	if err != nil {
		return false
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	m := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err = conn.Write(m.Raw); err != nil {
		return false
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return false
	}

	var response stun.Message
	response.Raw = buf[:n]
	if err := response.Decode(); err != nil {
		return false
	}
	return response.Type == stun.BindingSuccess
}

// GenerateSelfSignedCert builds a throwaway certificate for the relay when
// no real TLS material is configured. Covers localhost and the local
// interface address.
func GenerateSelfSignedCert() (tls.Certificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Decay Call"},
			Country:      []string{"US"},
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:    []string{"localhost"},
	}

	if localIP := system.GetLocalIP(); localIP != "" {
		template.IPAddresses = append(template.IPAddresses, net.ParseIP(localIP))
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return tls.X509KeyPair(certPEM, keyPEM)
}
