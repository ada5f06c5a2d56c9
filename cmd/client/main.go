package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BetaCatPro/ws-relay/internal/auth"
	"github.com/BetaCatPro/ws-relay/internal/config"
	"github.com/BetaCatPro/ws-relay/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	email       string
	password    string
	otpCode     string
	noSound     bool
	metricsAddr string

	rootCmd = &cobra.Command{
		Use:          "ws-relay",
		Short:        "Terminal chat client for the agent relay channel",
		SilenceUsage: true,
		RunE:         runClient,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.Flags().StringVar(&email, "email", "", "Sign in with this email (requires auth.url)")
	rootCmd.Flags().StringVar(&password, "password", "", "Password; prompted when empty")
	rootCmd.Flags().StringVar(&otpCode, "otp", "", "6-digit TOTP code for multi-factor verification")
	rootCmd.Flags().BoolVar(&noSound, "no-sound", false, "Disable the terminal bell for permission requests and drained queues")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger(os.Stderr)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	lines := readLines(os.Stdin)
	out := cmd.OutOrStdout()

	rc := cfg.ToTypes()
	var provider auth.Provider
	if email != "" {
		authClient, err := signIn(ctx, cfg, logger, lines, out)
		if err != nil {
			return err
		}
		provider = authClient
		if rc.Username == "" {
			rc.Username = email
		}
	}
	if rc.Username == "" {
		rc.Username = "guest"
	}

	opts := []client.Option{
		client.WithLogger(logger),
		client.WithSound(cfg.Chat.Sound && !noSound),
	}
	if provider != nil {
		opts = append(opts, client.WithAuth(provider))
	}
	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		opts = append(opts, client.WithMetrics(registry))
		go serveMetrics(metricsAddr, registry, logger)
	}

	view := newTerminalView(out)
	wsClient := client.NewClient(rc, view, opts...)
	wsClient.Connect(ctx)

	// 处理信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	shutdown := func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		wsClient.Close(closeCtx)
	}

	for {
		select {
		case sig := <-sigCh:
			logger.Info("signal received, closing", "signal", sig.String())
			shutdown()
			return nil
		case line, ok := <-lines:
			if !ok {
				shutdown()
				return nil
			}
			done, err := dispatch(ctx, wsClient, view, line)
			if err != nil {
				view.AddSystemMessage(err.Error())
			}
			if done {
				if name, _ := splitCommand(strings.TrimSpace(line)); name == "/logout" {
					closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer closeCancel()
					return wsClient.Logout(closeCtx)
				}
				shutdown()
				return nil
			}
		}
	}
}

// signIn 登录并按需完成多因素认证
func signIn(ctx context.Context, cfg *config.Config, logger *slog.Logger, lines <-chan string, out io.Writer) (*auth.Client, error) {
	if cfg.Auth.URL == "" {
		return nil, errors.New("--email requires auth.url in the config")
	}
	apiKey := cfg.Auth.APIKey
	if apiKey == "" {
		apiKey = cfg.Realtime.APIKey
	}
	authClient := auth.NewClient(cfg.Auth.URL, apiKey,
		auth.WithLogger(logger),
		auth.WithRefreshSkew(cfg.Auth.RefreshSkew),
	)

	if password == "" {
		fmt.Fprint(out, "password: ")
		line, ok := <-lines
		if !ok {
			return nil, errors.New("no password given")
		}
		password = line
	}

	prompt := func(_ context.Context, enrollment *auth.TOTPEnrollment) (string, error) {
		if enrollment != nil {
			fmt.Fprintf(out, "register this secret in your authenticator app:\n  %s\n  %s\n",
				enrollment.TOTP.Secret, enrollment.TOTP.URI)
		} else if otpCode != "" {
			return otpCode, nil
		}
		fmt.Fprint(out, "6-digit code: ")
		line, ok := <-lines
		if !ok {
			return "", errors.New("no verification code given")
		}
		return strings.TrimSpace(line), nil
	}

	if _, err := authClient.Login(ctx, email, password, cfg.Auth.RequireMFA, prompt); err != nil {
		return nil, err
	}
	return authClient, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// readLines 逐行读取输入，读完后关闭 channel
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}
