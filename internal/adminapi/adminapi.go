// Package adminapi implements the REST handlers of the admin API.
package adminapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/talkhub/wahub/internal/app"
	"github.com/talkhub/wahub/internal/dispatch"
	"github.com/talkhub/wahub/internal/groupsync"
	"github.com/talkhub/wahub/internal/lifecycle"
	"github.com/talkhub/wahub/internal/session"
	"github.com/talkhub/wahub/internal/webserver"
	"gorm.io/gorm"
)

// Handler dependencies, set once at startup by InitRouter.
var (
	appctx     app.AppContext
	controller *lifecycle.Controller
	registry   *session.Registry
	engine     *groupsync.Engine
	dispatcher *dispatch.Dispatcher
)

// InitRouter wires the handler dependencies and registers every route.
func InitRouter(
	actx app.AppContext,
	ctl *lifecycle.Controller,
	reg *session.Registry,
	eng *groupsync.Engine,
	disp *dispatch.Dispatcher,
) {
	appctx = actx
	controller = ctl
	registry = reg
	engine = eng
	dispatcher = disp

	registerAccountRoutes()
	registerGroupRoutes()
	registerMessageRoutes()
}

// GetDB returns the request-scoped database handle.
func GetDB(c echo.Context) *gorm.DB {
	return c.Get(webserver.DBContextKey).(*gorm.DB)
}

type apiResponse struct {
	Code int         `json:"code"`
	Data interface{} `json:"data,omitempty"`
	Msg  string      `json:"msg,omitempty"`
}

type apiError struct {
	Code    int         `json:"code"`
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type pagedResponse struct {
	Code     int         `json:"code"`
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, apiResponse{Code: 0, Data: data})
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, apiError{Code: status, Error: code, Message: message, Details: details})
}

func paged(c echo.Context, data interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, pagedResponse{Code: 0, Data: data, Total: total, Page: page, PageSize: pageSize})
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

func parsePagination(c echo.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(c.QueryParam("page_size"))
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	return page, pageSize
}

func handleValidationError(c echo.Context, err error) error {
	if he, ok := err.(*echo.HTTPError); ok {
		return fail(c, he.Code, "VALIDATION_FAILED", "Request validation failed", he.Message)
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", err.Error())
}
