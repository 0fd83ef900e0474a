// Command paircode-broker issues pairing codes for a messaging account and
// hands the linked account its session string.
//
// It supports two modes:
//  1. "server" (default) – runs the HTTP server exposing the pairing API, status WebSocket, metrics and an /mcp HTTP endpoint
//  2. "stdio-mcp" – runs an MCP stdio server and spins up an internal HTTP API if none is available
//
// Settings come from built-in defaults, an optional TOML file (--config),
// then flags and environment variables. A .env file in the working directory
// is loaded first. ngrok tunneling is available for external access during
// development.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
	"golang.org/x/sync/errgroup"

	"github.com/wricardo/paircode-broker/api"
	"github.com/wricardo/paircode-broker/broker/config"
	"github.com/wricardo/paircode-broker/broker/credential"
	"github.com/wricardo/paircode-broker/broker/lifecycle"
	"github.com/wricardo/paircode-broker/broker/protocol/gateway"
	"github.com/wricardo/paircode-broker/broker/session"
	"github.com/wricardo/paircode-broker/observability"
	"github.com/wricardo/paircode-broker/transport/mcp"
	"github.com/wricardo/paircode-broker/transport/websocket"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Paircode Broker"
)

const (
	shutdownTimeout = 10 * time.Second
	minWriteTimeout = 60 * time.Second
	writeHeadroom   = 10 * time.Second
	defaultAPIURL   = "http://localhost:3000"
)

func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("error loading .env file")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("exiting")
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "paircode-broker",
		Usage:   AppName,
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML config file", Sources: cli.EnvVars("PAIRCODE_CONFIG")},
			&cli.StringFlag{Name: "host", Usage: "HTTP server host", Sources: cli.EnvVars("HOST")},
			&cli.IntFlag{Name: "port", Value: 3000, Usage: "HTTP server port", Sources: cli.EnvVars("PORT")},
			&cli.StringFlag{Name: "sessions-dir", Usage: "directory holding per-session state", Sources: cli.EnvVars("SESSIONS_DIR")},
			&cli.StringFlag{Name: "gateway-url", Usage: "messaging gateway websocket URL", Sources: cli.EnvVars("GATEWAY_URL")},
			&cli.StringFlag{Name: "static-dir", Usage: "directory served at /", Sources: cli.EnvVars("STATIC_DIR")},
			&cli.StringFlag{Name: "brand", Usage: "session string prefix and banner name", Sources: cli.EnvVars("BRAND")},
			&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error", Sources: cli.EnvVars("LOG_LEVEL")},
			&cli.BoolFlag{Name: "log-pretty", Usage: "human-readable console logs", Sources: cli.EnvVars("LOG_PRETTY")},
			&cli.BoolFlag{Name: "ngrok", Usage: "enable ngrok tunnel", Sources: cli.EnvVars("NGROK_ENABLED")},
			&cli.StringFlag{Name: "ngrok-auth", Usage: "ngrok auth token", Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN")},
			&cli.StringFlag{Name: "ngrok-domain", Usage: "custom ngrok domain (optional)", Sources: cli.EnvVars("NGROK_DOMAIN")},
			&cli.StringFlag{Name: "api-url", Value: defaultAPIURL, Usage: "external API reused by stdio-mcp when reachable", Sources: cli.EnvVars("PAIRCODE_API_URL")},
		},
		Action: runServer,
		Commands: []*cli.Command{
			{
				Name:    "server",
				Aliases: []string{"http"},
				Usage:   "Run HTTP server with API, WebSocket, and MCP endpoint (default)",
				Action:  runServer,
			},
			{
				Name:    "stdio-mcp",
				Aliases: []string{"mcp-stdio", "mcp"},
				Usage:   "Run MCP stdio server with internal HTTP server",
				Action:  runStdioMCP,
			},
		},
	}
}

// loadConfig reads the config file and applies flag and environment
// overrides on top.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Config{}, err
	}

	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("sessions-dir") {
		cfg.Session.Dir = cmd.String("sessions-dir")
	}
	if cmd.IsSet("gateway-url") {
		cfg.Gateway.URL = cmd.String("gateway-url")
	}
	if cmd.IsSet("static-dir") {
		cfg.Server.StaticDir = cmd.String("static-dir")
	}
	if cmd.IsSet("brand") {
		cfg.Branding.Brand = cmd.String("brand")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-pretty") {
		cfg.Log.Pretty = cmd.Bool("log-pretty")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newManager wires the session lifecycle manager. Session directories left
// behind by a previous process are removed first, since the store starts
// empty.
func newManager(cfg config.Config, observer lifecycle.Observer, logger zerolog.Logger) (*lifecycle.Manager, error) {
	workspace, err := session.NewWorkspace(cfg.Session.Dir, cfg.Session.CredentialFile)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	store := session.NewMemoryStore()
	removed, err := workspace.SweepOrphans(func(id string) bool {
		_, ok := store.Get(id)
		return ok
	})
	if err != nil {
		logger.Warn().Err(err).Msg("orphan sweep incomplete")
	}
	if removed > 0 {
		logger.Info().Int("removed", removed).Str("dir", workspace.Root()).Msg("removed orphaned session directories")
	}

	dialer, err := gateway.NewDialer(gateway.Options{
		URL:              cfg.Gateway.URL,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		RequestTimeout:   cfg.Gateway.RequestTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway dialer: %w", err)
	}

	composer, err := credential.NewComposer(cfg.Branding.Brand, cfg.Branding.Owner, cfg.Branding.TimeZone)
	if err != nil {
		return nil, err
	}
	composer.Links = credential.LinksFromMap(cfg.Branding.Links)

	return lifecycle.NewManager(
		cfg.Session,
		dialer,
		store,
		workspace,
		credential.NewPackager(cfg.Branding.Brand),
		composer,
		logger,
		lifecycle.WithObserver(observer),
	), nil
}

// writeTimeout leaves room for the slowest pairing request the gateway
// timeouts allow.
func writeTimeout(cfg config.Config) time.Duration {
	if d := cfg.BeginBudget() + writeHeadroom; d > minWriteTimeout {
		return d
	}
	return minWriteTimeout
}

// loopbackURL returns a base URL that reaches a server listening on addr
// from this host.
func loopbackURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// runServer starts the HTTP server with the pairing API, WebSocket hub, and
// an /mcp endpoint. If ngrok is enabled it also provisions a public tunnel.
// It returns once ctx is cancelled and every live session has been cleaned
// up.
func runServer(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := observability.InitLogger("paircode-broker", cfg.Log.Level, cfg.Log.Pretty)
	observability.RegisterMetrics()

	hub := websocket.NewHub(logger)
	manager, err := newManager(cfg, hub, logger)
	if err != nil {
		return err
	}

	addr := cfg.Addr()
	mcpClient := mcp.NewClient(loopbackURL(addr), Version)
	handler := api.NewServer(manager, hub, logger,
		api.WithStaticDir(cfg.Server.StaticDir),
		api.WithMCPHandler(mcpClient),
	)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info().
			Str("version", Version).
			Str("addr", addr).
			Str("gateway", cfg.Gateway.URL).
			Dur("session_timeout", cfg.Session.Timeout).
			Msg("HTTP server listening")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cmd.Bool("ngrok") {
		g.Go(func() error {
			runTunnel(gctx, cmd.String("ngrok-auth"), cmd.String("ngrok-domain"), handler, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return multierr.Combine(
			httpServer.Shutdown(shutdownCtx),
			manager.Shutdown(shutdownCtx),
		)
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

// runTunnel serves handler through an ngrok tunnel until ctx is done.
// Tunnel failures are logged and never stop the server.
func runTunnel(ctx context.Context, authToken, domain string, handler http.Handler, logger zerolog.Logger) {
	logger = logger.With().Str("component", "ngrok").Logger()

	if authToken == "" {
		logger.Warn().Msg("ngrok enabled but no auth token provided (use --ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN env var)")
		return
	}

	var tunnel ngrokConfig.Tunnel
	if domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(domain))
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(authToken))
	if err != nil {
		logger.Error().Err(err).Msg("failed to start ngrok tunnel")
		return
	}

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close ngrok tunnel")
		}
	}()

	logger.Info().Str("url", tun.URL()).Msg("ngrok tunnel established")

	if err := http.Serve(tun, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		logger.Error().Err(err).Msg("ngrok server error")
	}
	logger.Info().Msg("ngrok tunnel closed")
}

// apiAvailable reports whether a broker API answers at baseURL.
func apiAvailable(baseURL string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// runStdioMCP runs an MCP stdio server. It reuses the API at --api-url when
// reachable; otherwise it starts an internal broker bound to a random
// loopback port and targets that.
func runStdioMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the MCP protocol; logs always go to stderr.
	logger := observability.InitLogger("paircode-broker-mcp", cfg.Log.Level, cfg.Log.Pretty)

	baseURL := cmd.String("api-url")
	if apiAvailable(baseURL) {
		logger.Info().Str("api", baseURL).Msg("external API server found, using it for MCP")
	} else {
		logger.Info().Msg("no external API server found, starting internal HTTP server")

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		baseURL = "http://" + listener.Addr().String()

		hub := websocket.NewHub(logger)
		go hub.Run(ctx)

		manager, err := newManager(cfg, hub, logger)
		if err != nil {
			listener.Close()
			return err
		}

		httpServer := &http.Server{
			Handler: api.NewServer(manager, hub, logger),
		}
		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("internal HTTP server error")
			}
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := multierr.Combine(httpServer.Shutdown(shutdownCtx), manager.Shutdown(shutdownCtx)); err != nil {
				logger.Error().Err(err).Msg("internal server shutdown")
			}
		}()

		logger.Info().Str("api", baseURL).Msg("internal HTTP server started")
	}

	mcpClient := mcp.NewClient(baseURL, Version)
	logger.Info().Msg("MCP stdio server ready")

	if err := server.ServeStdio(mcpClient.GetMCPServer()); err != nil {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}
