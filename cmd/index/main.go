// Command index runs the registry node relays announce themselves to and
// consumers query to discover circuit candidates.
package main

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomrsae/ronion/internal/logging"
	"github.com/tomrsae/ronion/internal/metrics"
	"github.com/tomrsae/ronion/internal/ratelimit"
	"github.com/tomrsae/ronion/pkg/index"
	"github.com/tomrsae/ronion/pkg/keyfile"
	"github.com/tomrsae/ronion/pkg/onion"
)

var rootCmd = &cobra.Command{
	Use:          "index <bind-ip> <bind-port>",
	Short:        "Run the ronion index node",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE:         runIndex,
}

var genKeysCmd = &cobra.Command{
	Use:   "gen-keys",
	Short: "Generate and persist a signing keypair to RO_PUBKEY/RO_PRVKEY",
	Args:  cobra.NoArgs,
	RunE:  runGenKeys,
}

func init() {
	rootCmd.AddCommand(genKeysCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGenKeys(cmd *cobra.Command, args []string) error {
	crypto, err := onion.NewServerCrypto()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	pub := crypto.SigningPublic()
	pubPath, prvPath := keyfile.Env()
	if err := keyfile.Save(pubPath, prvPath, ed25519.PublicKey(pub[:]), ed25519.PrivateKey(crypto.SigningPrivateBytes())); err != nil {
		return fmt.Errorf("save keypair: %w", err)
	}
	fmt.Printf("wrote %s and %s\n", pubPath, prvPath)
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	bindIP, bindPort := args[0], args[1]

	log := logging.NewLogger(logging.LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}, "index")

	pubPath, prvPath := keyfile.Env()
	pub, err := keyfile.LoadPublic(pubPath)
	if err != nil {
		return err
	}
	prv, err := keyfile.LoadPrivate(prvPath)
	if err != nil {
		return err
	}
	identity, err := onion.LoadServerCrypto(pub, prv)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	m := metrics.NewPrometheusMetrics("ronion_index")
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: 50,
		BurstSize:         100,
	})

	node := index.NewNode(identity, log, m, limiter)

	addr := net.JoinHostPort(bindIP, bindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("index listening")

	go startMetricsServer(m, log)

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

func startMetricsServer(m *metrics.PrometheusMetrics, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
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
