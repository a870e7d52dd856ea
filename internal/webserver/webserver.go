// Package webserver hosts the admin REST API.
package webserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/talkhub/wahub/internal/app"
	"go.uber.org/zap"
)

// DBContextKey is the echo context key the request-scoped gorm handle is
// stored under.
const DBContextKey = "wahub_db"

type AdminServer struct {
	appctx app.AppContext
	root   *echo.Echo
	api    *echo.Group
}

var server *AdminServer

// Init builds the admin server. Must run before any route registration.
func Init(actx app.AppContext) {
	s := &AdminServer{appctx: actx, root: echo.New()}
	s.root.HideBanner = true
	s.root.HidePort = true
	s.root.Debug = actx.Config().System.Debug
	s.root.Validator = &webValidator{validate: validator.New()}

	s.root.Use(middleware.Recover())
	s.root.Use(s.requestLogger)
	s.root.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(DBContextKey, actx.DB())
			return next(c)
		}
	})

	s.api = s.root.Group("/api/v1")
	server = s
}

// Listen blocks serving the admin API on the configured address.
func Listen() error {
	cfg := server.appctx.Config().Web
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	zap.L().Info("admin api listening", zap.String("addr", addr))
	return server.root.Start(addr)
}

// ApiGET registers a GET route under the api prefix.
func ApiGET(path string, h echo.HandlerFunc) {
	server.api.GET(path, h)
}

// ApiPOST registers a POST route under the api prefix.
func ApiPOST(path string, h echo.HandlerFunc) {
	server.api.POST(path, h)
}

// ApiPUT registers a PUT route under the api prefix.
func ApiPUT(path string, h echo.HandlerFunc) {
	server.api.PUT(path, h)
}

// ApiDELETE registers a DELETE route under the api prefix.
func ApiDELETE(path string, h echo.HandlerFunc) {
	server.api.DELETE(path, h)
}

func (s *AdminServer) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
		}
		zap.L().Debug("http request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)))
		return err
	}
}

type webValidator struct {
	validate *validator.Validate
}

func (v *webValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
