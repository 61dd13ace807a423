package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"kleinsniper/internal/commands"
)

// Server exposes the command surface over HTTP.
type Server struct {
	app    *fiber.App
	core   *commands.Core
	logger zerolog.Logger
}

// NewServer builds the fiber app and registers the /api/v1 routes.
func NewServer(core *commands.Core, logger zerolog.Logger) *Server {
	s := &Server{
		core:   core,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "kleinsniper",
		StrictRouting:         true,
		CaseSensitive:         true,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(s.logRequests)

	v1 := s.app.Group("/api/v1")
	v1.Get("/ping", s.ping)
	v1.Get("/status", s.status)
	v1.Get("/last", s.last)
	v1.Get("/top5", s.top)
	v1.Get("/avg", s.averages)
	v1.Get("/config", s.config)
	v1.Get("/uptime", s.uptime)
	v1.Post("/refresh", s.refresh)
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", addr).Msg("http api listening")
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("duration", time.Since(start)).
		Msg("request")
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	} else {
		s.logger.Warn().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) ping(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) status(c *fiber.Ctx) error {
	st, err := s.core.Status(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) last(c *fiber.Ctx) error {
	rec, ok, err := s.core.Last(c.UserContext())
	if err != nil {
		return err
	}
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no offers in the database")
	}
	return c.JSON(rec)
}

func (s *Server) top(c *fiber.Ctx) error {
	records, err := s.core.Top(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"offers": records})
}

func (s *Server) averages(c *fiber.Ctx) error {
	avgs, err := s.core.Averages(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"models": avgs})
}

func (s *Server) config(c *fiber.Ctx) error {
	return c.JSON(s.core.Config())
}

func (s *Server) uptime(c *fiber.Ctx) error {
	d := s.core.Uptime()
	return c.JSON(fiber.Map{"uptime": commands.FormatUptime(d), "seconds": int64(d / time.Second)})
}

func (s *Server) refresh(c *fiber.Ctx) error {
	queued, err := s.core.Refresh()
	if errors.Is(err, commands.ErrRefreshUnavailable) {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": queued})
}
