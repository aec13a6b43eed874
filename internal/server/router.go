package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arf20/arfhttpd/internal/logging"
)

// FileHandler serves a request against the site it was routed to. It allows
// injecting fake handlers during tests.
type FileHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// FileHandlerFunc adapts a function to the FileHandler interface.
type FileHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes FileHandlerFunc satisfy FileHandler.
func (f FileHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application routes and serves requests.
type AppOptions struct {
	Logger   *logrus.Logger
	Registry *SiteRegistry
	Files    FileHandler
}

const (
	contextKeyRoute     = "_arfhttpd_route"
	contextKeyRequestID = "_arfhttpd_request_id"
)

// NewApp builds a Fiber application with Host routing, access logging and
// structured error handling. Diagnostics routes under /-/ are registered by
// the caller after NewApp returns.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("site registry is required")
	}
	if opts.Files == nil {
		return nil, errors.New("file handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		StrictRouting: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))
	app.Use(accessLogMiddleware(opts.Logger))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(c.Path()) {
			return c.Next()
		}
		route, ok := getRouteFromContext(c)
		if !ok {
			route = opts.Registry.Default()
		}
		return opts.Files.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于 Host/Host:port 查找站点。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(c.Path()) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		route, matched := opts.Registry.Lookup(rawHost)
		if !matched && len(opts.Registry.ordered) > 0 {
			opts.Logger.WithFields(logrus.Fields{
				"action": "host_lookup",
				"host":   rawHost,
				"site":   route.Config.Name,
			}).Debug("host unmapped, using default site")
		}

		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

// accessLogMiddleware 记录请求指标；成功请求由 FileHandler 自行记录，这里只补记失败请求。
func accessLogMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}

		site := ""
		if route, ok := getRouteFromContext(c); ok {
			site = route.Config.Name
		}
		elapsed := time.Since(started)
		observeRequest(c.Method(), site, status, elapsed)

		if status >= fiber.StatusInternalServerError {
			fields := logging.RequestFields(site, getHostHeader(c), c.Method(), c.Path(), status)
			fields["request_id"] = RequestID(c)
			fields["elapsed_ms"] = elapsed.Milliseconds()
			logger.WithFields(fields).Warn("request_failed")
		}
		return err
	}
}

// errorHandler renders unexpected errors as {"error": code} JSON.
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := ErrorCode(status)
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
			code = ErrorCode(status)
		} else {
			logger.WithError(err).WithFields(logrus.Fields{
				"action":     "request",
				"request_id": RequestID(c),
				"path":       c.Path(),
			}).Error("unhandled_error")
		}
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

// ErrorCode turns an HTTP status into the snake_case code used in JSON error
// bodies, e.g. 404 -> "not_found".
func ErrorCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ToLower(strings.ReplaceAll(text, " ", "_"))
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getRouteFromContext(c fiber.Ctx) (*SiteRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*SiteRoute); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
