package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	appmiddleware "github.com/nfrund/fanout/internal/middleware"
	"github.com/nfrund/fanout/internal/pubsub"
	"github.com/nfrund/fanout/internal/topicmgr"
	"github.com/nfrund/fanout/internal/websocket"
)

// Dependencies holds the services the HTTP server exposes.
type Dependencies struct {
	PubSub   *pubsub.Service
	Topics   *topicmgr.Manager
	Streamer *websocket.Streamer
	Logger   *slog.Logger
}

// Options tunes the HTTP surface.
type Options struct {
	// PublishRate is the per-client publish rate limit in requests per second.
	PublishRate float64
	// Registerer and Gatherer back the /metrics endpoint. They default to the
	// prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	E        *echo.Echo
	pubsub   *pubsub.Service
	topics   *topicmgr.Manager
	streamer *websocket.Streamer
	logger   *slog.Logger
	opts     Options
}

// CustomValidator wraps go-playground/validator to implement echo.Validator.
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new CustomValidator.
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate implements the echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// New creates a Server with middleware and routes registered.
func New(deps Dependencies, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()

	e.Use(middleware.RequestID())
	e.Use(appmiddleware.Logger(deps.Logger))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "fanout_http",
		Registerer: opts.Registerer,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics"
		},
	}))
	setupErrorHandling(e)

	s := &Server{
		E:        e,
		pubsub:   deps.PubSub,
		topics:   deps.Topics,
		streamer: deps.Streamer,
		logger:   deps.Logger,
		opts:     opts,
	}
	s.RegisterRoutes()
	return s
}

// setupErrorHandling logs unhandled errors with a stack trace and keeps
// echo's response format.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if _, ok := err.(*echo.HTTPError); !ok {
			appmiddleware.FromContext(c.Request().Context()).Error("Internal Server Error (Unhandled)",
				"error", err.Error(),
				"stack_trace", string(debug.Stack()),
			)
			err = echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}

func badRequest(format string, args ...any) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf(format, args...))
}
