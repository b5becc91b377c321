// Package echoapi exposes the public HTTP surface: school registration and
// activation, school-scoped administration, the parent portal and
// platform-scoped operations.
package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/billing"
	"github.com/shuletrack/shuletrack/core/student"
	"github.com/shuletrack/shuletrack/core/tenant"
)

type (
	// ServerDeps holds the server's dependencies.
	ServerDeps struct {
		Conf           *core.Config
		Logger         core.Logger
		TenantSvc      *tenant.Service
		StudentSvc     *student.Service
		BillingSvc     *billing.Service
		Drift          DriftChecker
		DisableReqLogs bool
	}

	// DriftChecker inspects and repairs provisioned namespaces.
	DriftChecker interface {
		DriftCheck(ctx context.Context, namespace string) (map[string]bool, error)
		AutoFix(ctx context.Context, tenants []tenant.Tenant) []string
	}

	Server interface {
		http.Handler
		Start()
		Shutdown(context.Context) error
		Close() error
		Errors() <-chan error
		ShutdownSignal() <-chan os.Signal
	}

	server struct {
		deps     ServerDeps
		app      *echo.Echo
		errs     chan error
		shutdown chan os.Signal
	}
)

var _ Server = (*server)(nil)

func NewServer(deps ServerDeps) Server {
	s := &server{
		deps:     deps,
		app:      echo.New(),
		errs:     make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	s.setup()
	return s
}

func (s *server) setup() {
	conf := s.deps.Conf

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.deps.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(conf, s.deps.Logger, s.signalShutdown)
	s.app.Debug = conf.Debug
	s.app.HideBanner = true

	s.app.GET("/", home)

	jwt := jwtMiddleware(conf)

	registerSubscriptionAPI(s.app, conf, s.deps.TenantSvc)
	registerSchoolAPI(s.app, jwt, conf, s.deps.TenantSvc, s.deps.StudentSvc, s.deps.BillingSvc)
	registerParentsAPI(s.app, jwt, conf, s.deps.TenantSvc, s.deps.StudentSvc, s.deps.BillingSvc)
	registerPlatformAPI(s.app, jwt, conf, s.deps.TenantSvc, s.deps.Drift)
}

func (s *server) Start() {
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	if err := s.app.Start(s.deps.Conf.Server.Address()); err != nil && err != http.ErrServerClosed {
		s.errs <- err
	}
}

func (s *server) signalShutdown() {
	s.shutdown <- syscall.SIGTERM
}

func (s *server) Shutdown(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *server) Close() error {
	return s.app.Close()
}

func (s *server) Errors() <-chan error {
	return s.errs
}

func (s *server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to ShuleTrack API!")
}
