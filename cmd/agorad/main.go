package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agora/config"
	"agora/core"
	"agora/observability/logging"
	"agora/observability/otel"
	"agora/rpc"
	"agora/storage"
)

const (
	genesisPathEnv      = "AGORA_GENESIS"
	allowAutogenesisEnv = "AGORA_ALLOW_AUTOGENESIS"
	rpcTokenEnv         = "AGORA_RPC_TOKEN"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides AGORA_GENESIS and config GenesisFile)")
	allowAutogenesisFlag := flag.Bool("allow-autogenesis", false, "DEV ONLY: allow automatic genesis creation when no stored genesis exists")
	flag.Parse()

	allowAutogenesisCLISet := flagWasProvided("allow-autogenesis")

	env := strings.TrimSpace(os.Getenv("AGORA_ENV"))
	logger := logging.Setup("agorad", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.LogLevel != "" || cfg.LogFile != "" {
		logger = logging.SetupWithOptions(logging.Options{
			Service:  "agorad",
			Env:      env,
			Level:    cfg.LogLevel,
			FilePath: cfg.LogFile,
		})
	}

	allowAutogenesis, err := resolveAllowAutogenesis(cfg.AllowAutogenesis, allowAutogenesisCLISet, *allowAutogenesisFlag, os.LookupEnv)
	if err != nil {
		logger.Error("failed to resolve autogenesis setting", slog.Any("error", err))
		os.Exit(1)
	}

	genesisPath, err := resolveGenesisPath(*genesisFlag, cfg.GenesisFile, allowAutogenesis, os.LookupEnv)
	if err != nil {
		logger.Error("failed to resolve genesis path", slog.Any("error", err))
		os.Exit(1)
	}

	policy, err := cfg.ResolutionPolicy()
	if err != nil {
		logger.Error("invalid escrow resolution policy", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.String("dir", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	node, err := core.NewNode(db, genesisPath, allowAutogenesis)
	if err != nil {
		logger.Error("failed to create node", slog.Any("error", err))
		os.Exit(1)
	}
	node.SetLogger(logger)
	node.SetResolutionPolicy(policy)
	node.SetBlockInterval(cfg.BlockInterval())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var otelShutdown func(context.Context) error
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "agorad",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    !strings.HasPrefix(endpoint, "https://"),
		})
		if err != nil {
			logger.Warn("OTLP exporter disabled", slog.Any("error", err))
		} else {
			otelShutdown = shutdown
		}
	}

	if strings.TrimSpace(os.Getenv(rpcTokenEnv)) == "" {
		logger.Warn("no RPC bearer token configured; all write methods will be rejected", slog.String("env", rpcTokenEnv))
	}

	node.Start()

	rpcServer := rpc.NewServer(node)
	rpcServer.SetLogger(logger)

	// The RPC listener is owned here rather than by rpc.Server.Start so that
	// shutdown can drain in-flight requests before the node stops.
	rpcSrv := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           rpcServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	rpcErrCh := make(chan error, 1)
	go func() {
		err := rpcSrv.ListenAndServe()
		rpcErrCh <- err
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		node.Stop()
		os.Exit(1)
	}

	go func() {
		if err, ok := <-rpcErrCh; ok && err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server terminated", slog.Any("error", err))
			stop()
		}
	}()

	var metricsSrv *http.Server
	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		metricsSrv = &http.Server{
			Addr:              addr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server terminated", slog.Any("error", err))
			}
		}()
	}

	logger.Info("agora node initialised and running",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("dataDir", cfg.DataDir),
		slog.String("resolutionPolicy", policy.String()))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("RPC server shutdown", slog.Any("error", err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	node.Stop()
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Error("OTLP exporter shutdown", slog.Any("error", err))
		}
	}
	logger.Info("agora node stopped")
}

type envLookupFunc func(string) (string, bool)

func resolveGenesisPath(cliPath string, cfgPath string, allowAutogenesis bool, lookup envLookupFunc) (string, error) {
	trimmedCLI := strings.TrimSpace(cliPath)
	if trimmedCLI != "" {
		return trimmedCLI, nil
	}

	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok {
			trimmedEnv := strings.TrimSpace(value)
			if trimmedEnv != "" {
				return trimmedEnv, nil
			}
		}
	}

	trimmedCfg := strings.TrimSpace(cfgPath)
	if trimmedCfg != "" {
		return trimmedCfg, nil
	}

	if allowAutogenesis {
		return "", nil
	}

	return "", fmt.Errorf("no genesis file provided; supply one via --genesis, %s, or config, or explicitly enable autogenesis (--allow-autogenesis / %s / config)", genesisPathEnv, allowAutogenesisEnv)
}

func resolveAllowAutogenesis(cfgValue bool, cliSet bool, cliValue bool, lookup envLookupFunc) (bool, error) {
	allow := cfgValue

	if lookup != nil {
		if value, ok := lookup(allowAutogenesisEnv); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				parsed, err := strconv.ParseBool(trimmed)
				if err != nil {
					return false, fmt.Errorf("invalid %s value %q: %w", allowAutogenesisEnv, trimmed, err)
				}
				allow = parsed
			}
		}
	}

	if cliSet {
		allow = cliValue
	}

	return allow, nil
}

func flagWasProvided(name string) bool {
	provided := false
	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == name {
			provided = true
		}
	})
	return provided
}

// waitForRPCStartup blocks until the RPC listener accepts TCP connections or
// the server goroutine reports an error.
func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
