// Command proxy runs the consumer side of the overlay: it builds a
// telescoped circuit through the index's relay set and exposes a local
// SOCKS5 CONNECT listener that multiplexes application bytes through it.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomrsae/ronion/internal/logging"
	"github.com/tomrsae/ronion/internal/metrics"
	"github.com/tomrsae/ronion/pkg/consumer"
	"github.com/tomrsae/ronion/pkg/keyfile"
	"github.com/tomrsae/ronion/pkg/socks"
)

const defaultHops = 3

var rootCmd = &cobra.Command{
	Use:          "proxy <listen-sockaddr> <password> <index-addr>",
	Short:        "Run a ronion consumer proxy with a local SOCKS5 entry point",
	Args:         cobra.ExactArgs(3),
	SilenceUsage: true,
	RunE:         runProxy,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runProxy(cmd *cobra.Command, args []string) error {
	listenAddr, _, indexAddr := args[0], args[1], args[2]
	// The password positional argument exists only to keep the CLI
	// surface stable with the original proxy's client config; the SOCKS5
	// CONNECT listener here has no authentication of its own.

	log := logging.NewLogger(logging.LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}, "proxy")

	pubPath, _ := keyfile.Env()
	indexPub, err := keyfile.LoadPublic(pubPath)
	if err != nil {
		return fmt.Errorf("load index public key: %w", err)
	}
	var indexKey [32]byte
	copy(indexKey[:], indexPub)

	hops := defaultHops
	if v := os.Getenv("PROXY_HOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hops = n
		}
	}

	engine := consumer.NewEngine(indexAddr, indexKey)
	log.Info().Str("index", indexAddr).Int("hops", hops).Msg("building circuit")
	if err := engine.Connect(hops); err != nil {
		return fmt.Errorf("build circuit: %w", err)
	}
	defer engine.Close()
	log.Info().Msg("circuit established")

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	log.Info().Str("addr", listenAddr).Msg("SOCKS5 listening")

	m := metrics.NewPrometheusMetrics("ronion_proxy")
	go startMetricsServer(m, log)

	server := socks.NewServer(engine, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
		log.Info().Msg("shutting down")
		ln.Close()
	}
	return nil
}

func startMetricsServer(m *metrics.PrometheusMetrics, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: ":9091", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
