// Package legacyapi serves the legacy customer API that Remote B talks to.
//
// Routes live under /api. Every customer route requires an HS256 bearer token whose
// claims carry userId and role. Members see and change only their own records; the
// admin role sees all records.
package legacyapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/remote"
)

// Store is the persistence the server runs on. Both the gorm postgres remote and the
// in-memory backend satisfy it.
type Store interface {
	remote.Backend
	remote.Getter
	remote.HistoryBackend
}

// Server is the legacy API.
type Server struct {
	echo     *echo.Echo
	store    Store
	secret   []byte
	now      func() time.Time
	validate *validator.Validate
}

// New builds the server over store, verifying tokens with secret.
func New(store Store, secret []byte) *Server {
	s := &Server{
		echo:     echo.New(),
		store:    store,
		secret:   secret,
		now:      time.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = errorHandler
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(requestLogger())
	s.routes()
	return s
}

// WithClock overrides the clock used for token expiry.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

func (s *Server) routes() {
	api := s.echo.Group("/api")
	api.GET("/health", s.health)

	customers := api.Group("/customers", s.authenticate)
	customers.GET("", s.listCustomers)
	customers.POST("", s.createCustomer)
	customers.POST("/sync", s.syncCustomers)
	customers.GET("/:id", s.getCustomer)
	customers.PUT("/:id", s.updateCustomer)
	customers.DELETE("/:id", s.deleteCustomer)
	customers.GET("/:id/next-step-history", s.listHistory)
	customers.POST("/:id/next-step-history", s.addHistory)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start(addr string) error {
	logging.Info("legacy api listening", map[string]interface{}{"addr": addr})
	return s.echo.Start(addr)
}

// Shutdown stops the server, waiting for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
