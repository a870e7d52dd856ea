package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/webserver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type accountPayload struct {
	Name            string `json:"name" validate:"required,min=1,max=200"`
	Phone           string `json:"phone" validate:"omitempty,max=32"`
	DailyUsageLimit int    `json:"daily_usage_limit" validate:"omitempty,min=0"`
	Notes           string `json:"notes" validate:"omitempty,max=1000"`
}

type accountUpdatePayload struct {
	Name            *string `json:"name" validate:"omitempty,min=1,max=200"`
	Phone           *string `json:"phone" validate:"omitempty,max=32"`
	DailyUsageLimit *int    `json:"daily_usage_limit" validate:"omitempty,min=0"`
	Notes           *string `json:"notes" validate:"omitempty,max=1000"`
}

type limitsPayload struct {
	DailyUsageLimit int `json:"daily_usage_limit" validate:"min=0"`
}

func registerAccountRoutes() {
	webserver.ApiGET("/accounts", listAccounts)
	webserver.ApiGET("/accounts/:id", getAccount)
	webserver.ApiPOST("/accounts", createAccount)
	webserver.ApiPUT("/accounts/:id", updateAccount)
	webserver.ApiDELETE("/accounts/:id", deleteAccount)

	webserver.ApiPOST("/accounts/:id/connect", connectAccount)
	webserver.ApiPOST("/accounts/:id/disconnect", disconnectAccount)
	webserver.ApiGET("/accounts/:id/qr", getAccountQR)
	webserver.ApiGET("/accounts/:id/status", getAccountStatus)
	webserver.ApiPUT("/accounts/:id/limits", updateAccountLimits)
}

func listAccounts(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := GetDB(c).Model(&domain.Account{})
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		db = db.Where("status = ?", status)
	}
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		db = db.Where("LOWER(name) LIKE ? OR phone LIKE ?", like, "%"+q+"%")
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query accounts", err.Error())
	}
	var accounts []domain.Account
	if err := db.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&accounts).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query accounts", err.Error())
	}
	return paged(c, accounts, total, page, pageSize)
}

func getAccount(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	var account domain.Account
	if err := GetDB(c).First(&account, id).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query account", err.Error())
	}
	return ok(c, account)
}

func createAccount(c echo.Context) error {
	var payload accountPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse account parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	limit := payload.DailyUsageLimit
	if limit == 0 {
		limit = int(appctx.GetSettingsInt64Value("dispatch", "default_daily_limit"))
	}
	account := domain.Account{
		Name:            strings.TrimSpace(payload.Name),
		Phone:           strings.TrimSpace(payload.Phone),
		Status:          domain.AccountStatusInactive,
		DailyUsageLimit: limit,
		Notes:           payload.Notes,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := GetDB(c).Create(&account).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create account", err.Error())
	}
	return ok(c, account)
}

func updateAccount(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	var payload accountUpdatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse account parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	var account domain.Account
	if err := GetDB(c).First(&account, id).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query account", err.Error())
	}

	if payload.Name != nil {
		account.Name = strings.TrimSpace(*payload.Name)
	}
	if payload.Phone != nil {
		// Manual identity entry, the recovery path when extraction timed out.
		account.Phone = strings.TrimSpace(*payload.Phone)
	}
	if payload.DailyUsageLimit != nil {
		account.DailyUsageLimit = *payload.DailyUsageLimit
	}
	if payload.Notes != nil {
		account.Notes = *payload.Notes
	}
	account.UpdatedAt = time.Now()

	if err := GetDB(c).Save(&account).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update account", err.Error())
	}
	return ok(c, account)
}

func deleteAccount(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	var account domain.Account
	if err := GetDB(c).First(&account, id).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query account", err.Error())
	}

	// A live driver goes down with the record.
	if registry.Get(id) != nil {
		if err := controller.Disconnect(c.Request().Context(), id); err != nil {
			zap.L().Warn("adminapi: disconnect before delete failed",
				zap.Int64("account_id", id), zap.Error(err))
		}
	}
	if err := GetDB(c).Delete(&domain.Account{}, id).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete account", err.Error())
	}
	return ok(c, map[string]interface{}{"id": id})
}

// connectAccount starts (or restarts) the account's driver. The call returns
// once the driver is launched; pairing progress arrives via broadcasts and
// the qr/status endpoints.
func connectAccount(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	if err := controller.Initialize(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusInternalServerError, "CONNECT_FAILED", "Failed to start session", err.Error())
	}
	return ok(c, map[string]interface{}{"started": true})
}

func disconnectAccount(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	if err := controller.Disconnect(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusInternalServerError, "DISCONNECT_FAILED", "Failed to disconnect session", err.Error())
	}
	return ok(c, map[string]interface{}{"disconnected": true})
}

func getAccountQR(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	var account domain.Account
	if err := GetDB(c).Select("qr_code", "qr_issued_at").First(&account, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found", nil)
	}
	return ok(c, map[string]interface{}{
		"code":         account.QRCode,
		"has_qr":       account.QRCode != "",
		"qr_issued_at": account.QRIssuedAt,
	})
}

// getAccountStatus merges the persisted row with the live driver view.
func getAccountStatus(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	var account domain.Account
	if err := GetDB(c).First(&account, id).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query account", err.Error())
	}

	resp := map[string]interface{}{
		"id":             account.ID,
		"status":         account.Status,
		"phone":          account.Phone,
		"push_name":      account.PushName,
		"has_driver":     false,
		"driver_state":   "",
		"last_connected": account.LastConnectedAt,
		"notes":          account.Notes,
	}
	if drv := registry.Get(id); drv != nil {
		resp["has_driver"] = true
		if state, err := drv.GetState(c.Request().Context()); err == nil {
			resp["driver_state"] = string(state)
		}
	}
	return ok(c, resp)
}

func updateAccountLimits(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	var payload limitsPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse limit parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	if err := dispatcher.UpdateRateLimits(c.Request().Context(), id, payload.DailyUsageLimit); err != nil {
		return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to update limits", err.Error())
	}
	return ok(c, map[string]interface{}{"id": id, "daily_usage_limit": payload.DailyUsageLimit})
}
