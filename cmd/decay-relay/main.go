// decay-relay is the signaling server: it hands out user ids, keeps the
// roster fresh and shuttles negotiation envelopes between clients.
package main

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"

	"decay-call/internal/relay"
	"decay-call/pkg/config"
	"decay-call/pkg/logger"
	"decay-call/pkg/system"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := system.LoadDefaultEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "no .env file loaded: %v\n", err)
	}
	logger.Init()

	host := os.Getenv("RELAY_HOST")
	if host == "" {
		host = "0.0.0.0"
	}
	port := os.Getenv("RELAY_PORT")
	if port == "" {
		port = "8080"
	}

	server := relay.NewServer(nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWS)
	mux.HandleFunc("/api/turn-credentials", server.HandleTurnCredentials)
	mux.Handle("/metrics", promhttp.HandlerFor(server.Metrics().Registry, promhttp.HandlerOpts{}))

	addr := host + ":" + port
	if os.Getenv("TLS_ENABLED") == "true" {
		serveTLS(mux, addr)
		return
	}

	log.Info().Str("addr", addr).Msg("Relay listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("Relay stopped")
	}
}

// serveTLS uses TLS_CERT/TLS_KEY when both are set and falls back to a
// self-signed certificate for LAN testing.
func serveTLS(mux *http.ServeMux, addr string) {
	certFile := os.Getenv("TLS_CERT")
	keyFile := os.Getenv("TLS_KEY")

	srv := &http.Server{Addr: addr, Handler: mux}
	if certFile != "" && keyFile != "" {
		log.Info().Str("addr", addr).Str("cert", certFile).Msg("Relay listening with TLS")
		if err := srv.ListenAndServeTLS(certFile, keyFile); err != nil {
			log.Fatal().Err(err).Msg("Relay stopped")
		}
		return
	}

	cert, err := config.GenerateSelfSignedCert()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate self-signed certificate")
	}
	srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}

	if localIP := system.GetLocalIP(); localIP != "" {
		log.Info().Str("lan_ip", localIP).Msg("LAN access available")
	}
	log.Info().Str("addr", addr).Msg("Relay listening with self-signed TLS")
	if err := srv.ListenAndServeTLS("", ""); err != nil {
		log.Fatal().Err(err).Msg("Relay stopped")
	}
}
