package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mailbag/config"
	"mailbag/internal/contacts"
	"mailbag/internal/crypto"
	"mailbag/internal/gateway"
	"mailbag/internal/logging"
	"mailbag/internal/server"
	"mailbag/internal/server/middleware"
	"mailbag/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.toml (default: standard locations)")
		issueToken = flag.String("issue-token", "", "Print a bearer token for this subject and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := middleware.GenerateToken(*issueToken, cfg.Security.JWTSecret, cfg.Security.TokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Failed to issue token:", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log, err := logging.New(cfg.Log, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Invalid log configuration:", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	sealer, err := crypto.NewManager("")
	if err != nil {
		return fmt.Errorf("initialize crypto: %w", err)
	}
	gwCfg, err := cfg.GatewayConfig(sealer)
	if err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}

	gw := gateway.New(gwCfg, log)
	defer func() {
		if err := gw.Close(); err != nil {
			log.Warn().Err(err).Msg("closing mail sessions")
		}
	}()

	images, err := storage.NewFileStorage(cfg.Contacts.ImageDir)
	if err != nil {
		return fmt.Errorf("image storage: %w", err)
	}
	book, err := contacts.Open(cfg.Contacts.Database, images)
	if err != nil {
		return fmt.Errorf("contact store: %w", err)
	}
	defer book.Close()

	if cfg.Security.JWTSecret == "" {
		log.Warn().Msg("no jwt_secret configured, API is unauthenticated")
	}

	app := server.New(server.Options{
		BodyLimit:   cfg.Server.BodyLimit,
		CORSOrigins: cfg.Server.CORSOrigins,
		JWTSecret:   cfg.Security.JWTSecret,
		RateLimit:   cfg.Security.RateLimit,
		RateBurst:   cfg.Security.RateBurst,

		RequestTimeout: cfg.Server.RequestTimeout,
	}, gw, book, log)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	errc := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", addr).
			Str("imap", gwCfg.IMAP.Addr()).
			Str("smtp", gwCfg.SMTP.Addr()).
			Bool("tls", cfg.Server.TLSCert != "").
			Msg("server is starting")
		if cfg.Server.TLSCert != "" {
			errc <- app.ListenTLS(addr, cfg.Server.TLSCert, cfg.Server.TLSKey)
			return
		}
		errc <- app.Listen(addr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errc:
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	log.Info().Msg("server is shutting down")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
