package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/nodelink/internal/callback"
	"github.com/gluk-w/claworc/nodelink/internal/channel"
	"github.com/gluk-w/claworc/nodelink/internal/config"
	"github.com/gluk-w/claworc/nodelink/internal/connection"
	"github.com/gluk-w/claworc/nodelink/internal/credentials"
	"github.com/gluk-w/claworc/nodelink/internal/database"
	"github.com/gluk-w/claworc/nodelink/internal/filter"
	"github.com/gluk-w/claworc/nodelink/internal/handlers"
	"github.com/gluk-w/claworc/nodelink/internal/healthcheck"
	"github.com/gluk-w/claworc/nodelink/internal/logging"
	"github.com/gluk-w/claworc/nodelink/internal/metrics"
	"github.com/gluk-w/claworc/nodelink/internal/ratelimit"
	"github.com/gluk-w/claworc/nodelink/internal/sshkeys"
	"github.com/gluk-w/claworc/nodelink/internal/sshsetup"
	"github.com/gluk-w/claworc/nodelink/internal/store"
	"github.com/gluk-w/claworc/nodelink/internal/transport"
	"github.com/gluk-w/claworc/nodelink/internal/workerpool"
)

// brokerProtocolVersion must match on both ends of a channel.
const brokerProtocolVersion = "1"

func main() {
	// Handle CLI commands before starting the node
	if len(os.Args) > 1 && os.Args[1] == "--generate-key" {
		runGenerateKey(os.Args[2:])
		return
	}

	flags := pflag.NewFlagSet("nodelink", pflag.ExitOnError)
	connectionsFile := flags.StringP("connections", "c", "", "initial connections file (overrides NODELINK_CONNECTIONS_FILE)")
	logLevel := flags.String("log-level", "", "log level (overrides NODELINK_LOG_LEVEL)")
	flags.Parse(os.Args[1:])

	config.Load()
	if *connectionsFile != "" {
		config.Cfg.ConnectionsFile = *connectionsFile
	}
	if *logLevel != "" {
		config.Cfg.LogLevel = *logLevel
	}

	logger, err := logging.Init(config.Cfg.LogLevel, config.Cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("node failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg := config.Cfg

	if err := database.Init(filepath.Join(cfg.DataPath, "nodelink.db")); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger = logger.With(zap.String("node", nodeID))

	// A whitelist saved through the API wins over the environment.
	whitelist := cfg.IPWhitelist
	if saved, err := database.GetSetting(handlers.WhitelistSetting); err == nil {
		whitelist = saved
	}
	ipFilter, err := filter.New(whitelist)
	if err != nil {
		return fmt.Errorf("ip whitelist: %w", err)
	}

	policy := callback.LogAndContinue
	if cfg.DropFailingListeners {
		policy = callback.LogAndDropListener
	}
	pool := workerpool.New(cfg.WorkerPoolSize, logger.Named("pool"))

	promReg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promReg)

	channels := channel.NewRegistry(pool, policy, logger.Named("channels"))
	channels.Observe(func(ch *channel.Channel, established bool) {
		recorder.ObserveChannel(ch.TransportID(), ch.InitiatedByRemote(), established)
	})

	brokerCfg := transport.Config{
		NodeID:          nodeID,
		ProtocolVersion: brokerProtocolVersion,
		Grace:           cfg.BrokerGrace,
		Filter:          ipFilter,
		Sink:            channels,
		Handler: func(ch *channel.Channel, payload []byte) {
			logger.Debug("message received", zap.String("channel", ch.ID()), zap.Int("bytes", len(payload)))
		},
		Logger: logger.Named("broker"),
	}

	tlsFiles, err := brokerTLS(cfg, logger)
	if err != nil {
		return err
	}
	tcp, err := transport.NewTCP(brokerCfg, tlsFiles)
	if err != nil {
		return fmt.Errorf("tcp broker: %w", err)
	}
	transports := transport.NewService(logger.Named("transport"), tcp)
	ws := transport.NewWebSocket(brokerCfg)
	transports.Register(ws)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.BrokerTCPAddr != "" {
		if err := tcp.Start(ctx, cfg.BrokerTCPAddr); err != nil {
			return fmt.Errorf("start tcp broker: %w", err)
		}
		logger.Info("tcp broker listening", zap.Stringer("addr", tcp.Addr()), zap.Bool("tls", tlsFiles.Enabled()))
	}
	if cfg.BrokerWSAddr != "" {
		if err := ws.Start(ctx, cfg.BrokerWSAddr); err != nil {
			return fmt.Errorf("start websocket broker: %w", err)
		}
		logger.Info("websocket broker listening", zap.Stringer("addr", ws.Addr()))
	}

	limiter := ratelimit.New(ratelimit.DefaultLimits, logger.Named("ratelimit"))

	connections := connection.NewRegistry(transports, pool, policy, logger.Named("connections"),
		connection.WithRateLimiter(limiter),
		connection.WithMetrics(recorder))
	channels.AddListener(connections)

	ssh := sshsetup.NewService(pool, credentials.PassphraseStore{}, logger.Named("ssh"),
		sshsetup.WithRequiredVersion(cfg.SSHProtocolVersion),
		sshsetup.WithConnectTimeout(cfg.SSHConnectTimeout),
		sshsetup.WithRateLimiter(limiter),
		sshsetup.WithMetrics(recorder))

	// Persistence listeners are attached only after restoring, so loaded
	// setups are not written back; imported ones are saved.
	restoredConns, restoredSSH, err := store.Restore(connections, ssh, logger.Named("store"))
	if err != nil {
		return err
	}
	logger.Info("restored setups", zap.Int("connections", restoredConns), zap.Int("ssh", restoredSSH))

	initial, err := config.LoadConnections(cfg.ConnectionsFile)
	if err != nil {
		return err
	}
	if n := store.Import(initial, connections, ssh, logger); n > 0 {
		logger.Info("imported connections", zap.Int("count", n), zap.String("file", cfg.ConnectionsFile))
	}
	logger.Info("connecting on startup", zap.Int("count", connections.ConnectOnStartup()))

	checker := healthcheck.New(channels, transports, cfg.HealthFailLimit, logger.Named("health"),
		healthcheck.WithSSH(ssh),
		healthcheck.WithMetrics(recorder))
	if err := checker.Start(cfg.HealthSchedule); err != nil {
		return fmt.Errorf("health check schedule: %w", err)
	}

	handlers.NodeID = nodeID
	handlers.Logger = logger.Named("http")
	handlers.Connections = connections
	handlers.SSH = ssh
	handlers.Channels = channels
	handlers.Transports = transports
	handlers.Filter = ipFilter
	handlers.Health = checker
	handlers.Metrics = promReg

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := checker.Stop(shutdownCtx); err != nil {
		logger.Warn("health check shutdown", zap.Error(err))
	}
	ssh.DisconnectAll()
	if err := transports.StopAll(shutdownCtx); err != nil {
		logger.Warn("broker shutdown", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker pool shutdown", zap.Error(err))
	}
	logger.Info("stopped")
	return nil
}

// brokerTLS returns the configured TLS files, or a self-signed pair kept in
// the database when automatic TLS is on.
func brokerTLS(cfg config.Settings, logger *zap.Logger) (transport.TLSFiles, error) {
	files := transport.TLSFiles{CAFile: cfg.BrokerTLSCA, CertFile: cfg.BrokerTLSCert, KeyFile: cfg.BrokerTLSKey}
	if files.Enabled() || !cfg.BrokerTLSAuto {
		return files, nil
	}
	var hosts []string
	for _, h := range strings.Split(cfg.BrokerTLSHosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	certPEM, keyPEM, err := credentials.BrokerCertPair(hosts)
	if err != nil {
		return files, fmt.Errorf("broker certificate: %w", err)
	}
	files, err = credentials.WriteTLSFiles(filepath.Join(cfg.DataPath, "tls"), certPEM, keyPEM)
	if err != nil {
		return files, fmt.Errorf("broker certificate: %w", err)
	}
	logger.Info("using self-signed broker certificate", zap.Strings("hosts", hosts))
	return files, nil
}

func runGenerateKey(args []string) {
	fs := pflag.NewFlagSet("generate-key", pflag.ExitOnError)
	out := fs.StringP("out", "o", "", "private key path; the public key is written next to it with .pub")
	passphrase := fs.String("passphrase", "", "encrypt the private key with this passphrase")
	fs.Parse(args)

	if *out == "" {
		fmt.Fprintln(os.Stderr, "Usage: nodelink --generate-key --out <path> [--passphrase <pass>]")
		os.Exit(1)
	}
	pub, priv, err := sshkeys.GenerateKeyPair([]byte(*passphrase))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}
	if err := sshkeys.SaveKeyPair(*out, priv, pub); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Key written to %s (public key %s.pub)\n%s", *out, *out, pub)
}
