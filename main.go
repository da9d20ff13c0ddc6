// Command chessmatch runs the realtime chess match server.
//
// It supports three commands:
//  1. "server" (default) runs the HTTP server exposing the REST API, the
//     websocket feed, the Telegram webhook and an /mcp HTTP endpoint
//  2. "mcp" runs an MCP stdio server against a REST API, starting an
//     in-process one when none is reachable
//  3. "token" prints a signed JWT for a player identity
//  4. "validate" checks the configuration and prints the effective settings
//
// Configuration comes from chessmatch.yaml, CHESSMATCH_* environment
// variables and .env; flags override both.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/chessmatch/auth"
	"github.com/wricardo/chessmatch/game/config"
	"github.com/wricardo/chessmatch/logger"
	"github.com/wricardo/chessmatch/transport/mcp"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Chess Match Server"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: error loading .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("chessmatch failed")
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:           "chessmatch",
		Usage:          AppName,
		Version:        Version,
		DefaultCommand: "server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a config file", Sources: cli.EnvVars("CHESSMATCH_CONFIG")},
			&cli.BoolFlag{Name: "dev", Usage: "console logging at debug level"},
		},
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "run the HTTP server with API, websocket, webhook and MCP endpoint",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Usage: "HTTP server host"},
					&cli.IntFlag{Name: "port", Usage: "HTTP server port"},
					&cli.BoolFlag{Name: "ngrok", Usage: "expose the server through an ngrok tunnel"},
				},
				Action: runServer,
			},
			{
				Name:  "mcp",
				Usage: "run an MCP stdio server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "api-url", Usage: "REST API base URL"},
					&cli.StringFlag{Name: "token", Usage: "Authorization header value for API calls"},
				},
				Action: runMCP,
			},
			{
				Name:  "token",
				Usage: "print a signed JWT for a player",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Usage: "player identity", Required: true},
					&cli.StringFlag{Name: "name", Usage: "display name"},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: 24 * time.Hour},
				},
				Action: runToken,
			},
			{
				Name:   "validate",
				Usage:  "check the configuration and exit",
				Action: runValidate,
			},
		},
	}
}

// loadConfig reads configuration and applies command line overrides.
func loadConfig(cmd *cli.Command) (*config.AppConfig, zerolog.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if cmd.IsSet("dev") {
		cfg.Log.Dev = cmd.Bool("dev")
	}
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = cmd.Int("port")
	}
	if cmd.IsSet("ngrok") {
		cfg.Ngrok.Enabled = cmd.Bool("ngrok")
	}
	if cmd.IsSet("api-url") {
		cfg.MCP.APIURL = cmd.String("api-url")
	}
	if cmd.IsSet("token") {
		cfg.MCP.Token = cmd.String("token")
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config validation failed: %w", err)
	}

	l := logger.Setup(cfg.Log.Dev)
	log.Logger = l
	return cfg, l, nil
}

// runServer starts the HTTP server and, when enabled, an ngrok tunnel whose
// URL becomes the public URL for the Telegram webhook and Mini App.
func runServer(ctx context.Context, cmd *cli.Command) error {
	cfg, l, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	l.Info().Str("version", Version).Msg("starting " + AppName)

	var tunnel ngrok.Tunnel
	if cfg.Ngrok.Enabled {
		tunnel, err = startTunnel(ctx, cfg.Ngrok)
		if err != nil {
			return err
		}
		defer tunnel.Close()
		applyPublicURL(cfg, tunnel.URL())
		l.Info().Str("url", tunnel.URL()).Msg("ngrok tunnel established")
	}

	addr := cfg.Server.Addr()
	a, err := newApp(ctx, cfg, l, "http://"+loopback(addr))
	if err != nil {
		return err
	}
	defer a.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	electorDone, err := a.start(runCtx)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Info().Str("addr", addr).Msg("HTTP server listening")
		l.Info().Msgf("REST API: http://%s/api", addr)
		l.Info().Msgf("WebSocket: ws://%s/ws?session=<session_id>", addr)
		l.Info().Msgf("MCP endpoint: http://%s/mcp", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	if tunnel != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.Serve(tunnel); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Warn().Err(err).Msg("ngrok server error")
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		l.Info().Msg("shutting down")
	case runErr = <-errs:
	}

	// stop accepting requests, then give up leadership, then release the rest
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	cancel()
	<-electorDone
	wg.Wait()

	l.Info().Msg("server stopped")
	return runErr
}

func startTunnel(ctx context.Context, cfg config.NgrokConfig) (ngrok.Tunnel, error) {
	var endpoint ngrokConfig.Tunnel
	if cfg.Domain != "" {
		endpoint = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.Domain))
	} else {
		endpoint = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, endpoint, ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		return nil, fmt.Errorf("start ngrok tunnel: %w", err)
	}
	return tun, nil
}

// applyPublicURL fills the URLs that follow from a public base URL when
// they are not configured explicitly.
func applyPublicURL(cfg *config.AppConfig, base string) {
	base = strings.TrimRight(base, "/")
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = base
	}
	if cfg.Telegram.WebhookURL == "" && cfg.Telegram.WebhookSecret != "" {
		cfg.Telegram.WebhookURL = base + "/webhook/telegram"
	}
	if cfg.Telegram.WebAppURL == "" {
		cfg.Telegram.WebAppURL = base
	}
}

// loopback rewrites a wildcard listen address into one a local client can dial.
func loopback(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// runMCP serves the MCP tools over stdio. It uses the configured API, or an
// already running local server, or starts an in-process one on a random
// loopback port.
func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, l, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	baseURL := cfg.MCP.APIURL
	token := cfg.MCP.Token
	if baseURL == "" {
		local := "http://" + loopback(cfg.Server.Addr())
		if reachable(ctx, local) {
			l.Info().Str("url", local).Msg("using running API server for MCP")
			baseURL = local
		} else {
			internal, internalToken, stop, err := startInternalServer(ctx, cfg, l)
			if err != nil {
				return err
			}
			defer stop()
			baseURL = internal
			if token == "" {
				token = internalToken
			}
		}
	}

	client := mcp.NewClient(baseURL, token)
	l.Info().Str("api", baseURL).Msg("MCP stdio server ready")
	return server.ServeStdio(client.GetMCPServer())
}

func reachable(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// startInternalServer runs a single replica, in memory API on a random
// loopback port. Its identity for tool calls is a dev credential.
func startInternalServer(ctx context.Context, cfg *config.AppConfig, l zerolog.Logger) (string, string, func(), error) {
	internal := *cfg
	internal.Session.Store = "memory"
	internal.Profile.Store = "memory"
	internal.Broker.Type = "local"
	internal.Redis.Address = ""
	internal.Telegram.Enabled = false
	internal.Auth.AllowInsecure = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", "", nil, fmt.Errorf("listen for internal server: %w", err)
	}
	baseURL := "http://" + listener.Addr().String()

	a, err := newApp(ctx, &internal, l, baseURL)
	if err != nil {
		listener.Close()
		return "", "", nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	electorDone, err := a.start(runCtx)
	if err != nil {
		cancel()
		listener.Close()
		a.close()
		return "", "", nil, err
	}

	httpServer := &http.Server{Handler: a.handler}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Warn().Err(err).Msg("internal HTTP server error")
		}
	}()
	l.Info().Str("url", baseURL).Msg("started internal HTTP server for MCP stdio")

	stop := func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		cancel()
		<-electorDone
		a.close()
	}
	return baseURL, auth.SchemeDev + " mcp-" + uuid.NewString()[:8], stop, nil
}

// runToken prints a JWT accepted by servers sharing the same secret.
func runToken(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTValidator(cfg.Auth.JWTSecret, nil).
		Issue(cmd.String("subject"), cmd.String("name"), uuid.NewString(), cmd.Duration("ttl"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, token)
	return err
}

// runValidate loads and validates the configuration and summarizes the
// backends it selects. Secrets are not printed.
func runValidate(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	fmt.Fprintf(w, "listen:    %s\n", cfg.Server.Addr())
	fmt.Fprintf(w, "sessions:  %s (ttl %s, %d move attempts)\n", cfg.Session.Store, cfg.Session.TTL, cfg.Session.MaxMoveAttempts)
	fmt.Fprintf(w, "profiles:  %s\n", cfg.Profile.Store)
	fmt.Fprintf(w, "broker:    %s (%s)\n", cfg.Broker.Type, cfg.Broker.Channel)
	fmt.Fprintf(w, "leader:    %s (ttl %s, renew %s)\n", cfg.Leader.Key, cfg.Leader.TTL, cfg.Leader.RenewInterval)
	fmt.Fprintf(w, "telegram:  %t\n", cfg.Telegram.Enabled)
	fmt.Fprintln(w, "configuration is valid")
	return nil
}
