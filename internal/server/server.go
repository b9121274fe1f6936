// Package server assembles the HTTP application.
package server

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mailbag/internal/server/handlers"
	"mailbag/internal/server/middleware"
)

type Options struct {
	BodyLimit   int
	CORSOrigins []string
	JWTSecret   string
	// RateLimit is in requests per second per client. Zero disables it.
	RateLimit float64
	RateBurst int
	// RequestTimeout bounds each request's mail operation. Zero disables it.
	RequestTimeout time.Duration
}

// New returns the application with middleware and routes installed.
func New(opts Options, mail handlers.Mail, contacts handlers.Contacts, log zerolog.Logger) *fiber.App {
	log = log.With().Str("component", "http").Logger()

	app := fiber.New(fiber.Config{
		AppName:               "mailbag",
		BodyLimit:             opts.BodyLimit,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          2 * time.Minute,
		IdleTimeout:           2 * time.Minute,
		DisableStartupMessage: true,
		ErrorHandler:          handlers.ErrorHandler(log),
	})

	metrics := middleware.NewMetrics()

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			log.Error().Interface("panic", e).Str("path", c.Path()).Msg("handler panicked")
		},
	}))
	app.Use(requestid.New())
	app.Use(middleware.RequestLogger(log))
	app.Use(metrics.Track())
	app.Use(middleware.SecurityHeaders())
	app.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins(opts.CORSOrigins),
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,X-Requested-With,Content-Type,Accept,Authorization",
	}))
	if opts.RateLimit > 0 {
		app.Use(middleware.NewRateLimiter(rate.Limit(opts.RateLimit), opts.RateBurst).Handler())
	}
	app.Use(middleware.Auth(opts.JWTSecret, "/health"))
	app.Use(middleware.Deadline(opts.RequestTimeout))

	handlers.NewHandler(mail, contacts, metrics, log).Register(app)
	return app
}

func corsOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ",")
}
