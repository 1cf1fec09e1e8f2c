package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/crewharbor/payments/internal/api/auth"
	"github.com/crewharbor/payments/internal/gateway"
	"github.com/crewharbor/payments/internal/reconcile"
	"github.com/crewharbor/payments/internal/subscription"
)

// Server represents the API server
type Server struct {
	echo    *echo.Echo
	port    int
	webhook *gateway.WebhookHandler
	recon   *reconcile.Service
	engine  *subscription.Engine
	tokens  *auth.TokenService
}

// NewServer creates a new API server
func NewServer(port int, webhook *gateway.WebhookHandler, recon *reconcile.Service, engine *subscription.Engine, tokens *auth.TokenService) *Server {
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:    e,
		port:    port,
		webhook: webhook,
		recon:   recon,
		engine:  engine,
		tokens:  tokens,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// Gateway webhook endpoint. Signature-verified, no operator auth.
	s.echo.POST("/webhooks/razorpay", s.webhook.Handle)

	// Operator API group
	v1 := s.echo.Group("/api/v1")
	v1.Use(auth.RequireOperator(s.tokens))

	v1.GET("/subscriptions/:userID", s.getSubscriptionStatus)
	v1.GET("/events/orphaned", s.listOrphanedEvents)
	v1.GET("/events/:id", s.getEvent)
	v1.POST("/events/:id/link", s.linkEvent)
	v1.POST("/events/:id/reopen", s.reopenEvent)
}

// Start begins the API server
func (s *Server) Start() error {
	// Start server in a goroutine
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.echo.Logger.Fatal("shutting down the server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}
