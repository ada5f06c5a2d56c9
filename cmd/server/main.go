package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BetaCatPro/ws-relay/internal/config"
	"github.com/BetaCatPro/ws-relay/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	configPath string
	addr       string
	apiKey     string

	rootCmd = &cobra.Command{
		Use:          "ws-relay-server",
		Short:        "Local broadcast relay speaking the realtime channel protocol",
		SilenceUsage: true,
		RunE:         runServer,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "Require this apikey from clients (overrides server.api_key)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if apiKey != "" {
		cfg.Server.APIKey = apiKey
	}
	logger := cfg.Logging.NewLogger(os.Stderr)

	rc := cfg.ToTypes()
	rc.APIKey = cfg.Server.APIKey

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 创建服务器
	wsServer := server.NewServer(cfg.Server.Addr, rc,
		server.WithLogger(logger),
		server.WithMetricsRegistry(registry),
	)
	wsServer.SetConnectHandler(func(connID string) {
		logger.Debug("peer session opened", "peer", connID)
	})
	wsServer.SetDisconnectHandler(func(connID string, err error) {
		logger.Debug("peer session closed", "peer", connID, "reason", err)
	})

	errCh := make(chan error, 2)
	go func() {
		if err := wsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay: %w", err)
		}
	}()

	// 指标可单独监听
	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	// 处理信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// 定时记录服务器状态
	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-statusTicker.C:
			stats := wsServer.GetStats()
			logger.Info("relay status",
				"peers", wsServer.GetClientCount(),
				"messages", stats.TotalMessages,
				"dropped", stats.DroppedMessages)
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info("shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if metricsServer != nil {
				_ = metricsServer.Shutdown(ctx)
			}
			return wsServer.Stop(ctx)
		}
	}
}
