package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkhub/wahub/internal/dispatch"
	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/webserver"
	"gorm.io/gorm"
)

type sendPayload struct {
	AccountID   int64      `json:"account_id,string" validate:"required"`
	GroupID     int64      `json:"group_id,string"`
	ContactID   int64      `json:"contact_id,string"`
	Content     string     `json:"content" validate:"required,min=1,max=65536"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	LinkPreview bool       `json:"link_preview"`
}

func registerMessageRoutes() {
	webserver.ApiGET("/messages", listMessages)
	webserver.ApiGET("/messages/:id", getMessage)
	webserver.ApiPOST("/messages/send", sendMessage)
	webserver.ApiPOST("/messages/:id/retry", retryMessage)
}

func listMessages(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := GetDB(c).Model(&domain.Message{})
	if accountID := strings.TrimSpace(c.QueryParam("account_id")); accountID != "" {
		db = db.Where("account_id = ?", accountID)
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		db = db.Where("status = ?", status)
	}
	if groupID := strings.TrimSpace(c.QueryParam("group_id")); groupID != "" {
		db = db.Where("group_id = ?", groupID)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}
	var messages []domain.Message
	if err := db.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&messages).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}
	return paged(c, messages, total, page, pageSize)
}

func getMessage(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid message ID", nil)
	}
	var msg domain.Message
	if err := GetDB(c).First(&msg, id).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "MESSAGE_NOT_FOUND", "Message not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query message", err.Error())
	}
	return ok(c, msg)
}

func sendMessage(c echo.Context) error {
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse message parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	msg, err := dispatcher.Send(c.Request().Context(), &dispatch.SendRequest{
		AccountID:   payload.AccountID,
		GroupID:     payload.GroupID,
		ContactID:   payload.ContactID,
		Content:     payload.Content,
		ScheduledAt: payload.ScheduledAt,
		LinkPreview: payload.LinkPreview,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrBadTarget):
			return fail(c, http.StatusBadRequest, "INVALID_TARGET", "Exactly one of group_id or contact_id required", nil)
		case errors.Is(err, dispatch.ErrAccountNotFound):
			return fail(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found", nil)
		case errors.Is(err, dispatch.ErrAccountInactive):
			return fail(c, http.StatusConflict, "ACCOUNT_INACTIVE", "Account is not active", nil)
		case errors.Is(err, dispatch.ErrQuotaExceeded):
			return fail(c, http.StatusTooManyRequests, "QUOTA_EXCEEDED", "Daily quota exhausted", nil)
		case errors.Is(err, dispatch.ErrRateLimited):
			return fail(c, http.StatusTooManyRequests, "RATE_LIMITED", "Per-minute rate exceeded", nil)
		case errors.Is(err, dispatch.ErrNoDriver):
			return fail(c, http.StatusServiceUnavailable, "DRIVER_UNAVAILABLE", "No connected driver for account", nil)
		default:
			// The row exists in failed state at this point.
			return fail(c, http.StatusInternalServerError, "SEND_FAILED", "Failed to send message", map[string]interface{}{
				"error":   err.Error(),
				"message": msg,
			})
		}
	}
	return ok(c, msg)
}

func retryMessage(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid message ID", nil)
	}
	msg, err := dispatcher.Retry(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotRetryable) {
			return fail(c, http.StatusConflict, "NOT_RETRYABLE", "Message is not failed or retry cap reached", nil)
		}
		return fail(c, http.StatusInternalServerError, "RETRY_FAILED", "Failed to retry message", err.Error())
	}
	return ok(c, msg)
}
