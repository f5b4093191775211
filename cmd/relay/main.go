// Command relay runs a middle-hop onion routing node: it registers with
// an index node and forwards circuits between consumers, other relays,
// and exit destinations.
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
	"github.com/tomrsae/ronion/internal/ratelimit"
	"github.com/tomrsae/ronion/pkg/keyfile"
	"github.com/tomrsae/ronion/pkg/onion"
	"github.com/tomrsae/ronion/pkg/relay"
)

var rootCmd = &cobra.Command{
	Use:          "relay <bind-ip> <bind-port> <index-addr>",
	Short:        "Run a ronion relay node",
	Args:         cobra.ExactArgs(3),
	SilenceUsage: true,
	RunE:         runRelay,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	bindIP, bindPortStr, indexAddr := args[0], args[1], args[2]

	bindPort, err := strconv.ParseUint(bindPortStr, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid bind port %q: %w", bindPortStr, err)
	}

	log := logging.NewLogger(logging.LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}, "relay")

	pubPath, _ := keyfile.Env()
	indexPub, err := keyfile.LoadPublic(pubPath)
	if err != nil {
		return fmt.Errorf("load index public key: %w", err)
	}
	var indexKey [32]byte
	copy(indexKey[:], indexPub)

	identity, err := onion.NewServerCrypto()
	if err != nil {
		return fmt.Errorf("generate relay identity: %w", err)
	}

	cfg := relay.DefaultConfig()
	cfg.Server.Host = bindIP
	cfg.Server.Port = int(bindPort)
	cfg.ApplyEnvironment()

	m := metrics.NewPrometheusMetrics("ronion_relay")
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   cfg.RateLimit.CleanupInterval,
			BanDuration:       cfg.RateLimit.BanDuration,
			MaxViolations:     cfg.RateLimit.MaxViolations,
		})
	}

	node := relay.NewNode(identity, uint16(bindPort), indexAddr, indexKey, log, m, limiter)

	addr := net.JoinHostPort(bindIP, bindPortStr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Str("index", indexAddr).Msg("relay listening")

	if err := node.Register(); err != nil {
		return fmt.Errorf("register with index: %w", err)
	}
	log.Info().Msg("registered with index")

	if cfg.Metrics.Enabled {
		go startMetricsServer(m, cfg.Metrics.Port, log)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- node.Serve(ln) }()

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

func startMetricsServer(m *metrics.PrometheusMetrics, port int, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
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
