package adminapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/webserver"
	"gorm.io/gorm"
)

type groupFlagsPayload struct {
	IsHidden    *bool `json:"is_hidden"`
	IsFavorite  *bool `json:"is_favorite"`
	IsAdminOnly *bool `json:"is_admin_only"`
}

func registerGroupRoutes() {
	webserver.ApiGET("/groups", listGroups)
	webserver.ApiGET("/groups/:id", getGroup)
	webserver.ApiPUT("/groups/:id/flags", updateGroupFlags)
	webserver.ApiDELETE("/groups/:id", deleteGroup)
	webserver.ApiGET("/groups/:id/contacts", listGroupContacts)

	webserver.ApiGET("/contacts", listContacts)

	webserver.ApiPOST("/accounts/:id/groups/automap", autoMapGroups)
	webserver.ApiPOST("/accounts/:id/groups/:gid/scrape", scrapeGroup)
	webserver.ApiGET("/accounts/:id/groups/live", listLiveGroups)
	webserver.ApiGET("/accounts/:id/contacts/live", listLiveContacts)
}

func listGroups(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := GetDB(c).Model(&domain.Group{})
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		db = db.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(q)+"%")
	}
	if c.QueryParam("visible") == "true" {
		db = db.Where("is_hidden = ?", false)
	}
	if accountID := strings.TrimSpace(c.QueryParam("account_id")); accountID != "" {
		db = db.Where("id IN (?)",
			GetDB(c).Model(&domain.GroupAccount{}).Select("group_id").Where("account_id = ?", accountID))
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query groups", err.Error())
	}
	var groups []domain.Group
	if err := db.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&groups).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query groups", err.Error())
	}
	return paged(c, groups, total, page, pageSize)
}

func getGroup(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid group ID", nil)
	}
	var group domain.Group
	if err := GetDB(c).First(&group, id).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "GROUP_NOT_FOUND", "Group not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query group", err.Error())
	}

	var memberships []domain.GroupAccount
	GetDB(c).Where("group_id = ?", id).Find(&memberships)
	return ok(c, map[string]interface{}{"group": group, "accounts": memberships})
}

func updateGroupFlags(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid group ID", nil)
	}
	var payload groupFlagsPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse group flags", nil)
	}

	updates := map[string]interface{}{}
	if payload.IsHidden != nil {
		updates["is_hidden"] = *payload.IsHidden
	}
	if payload.IsFavorite != nil {
		updates["is_favorite"] = *payload.IsFavorite
	}
	if payload.IsAdminOnly != nil {
		updates["is_admin_only"] = *payload.IsAdminOnly
	}
	if len(updates) == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "No flags provided", nil)
	}

	res := GetDB(c).Model(&domain.Group{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update group", res.Error.Error())
	}
	if res.RowsAffected == 0 {
		return fail(c, http.StatusNotFound, "GROUP_NOT_FOUND", "Group not found", nil)
	}
	return ok(c, map[string]interface{}{"id": id})
}

func deleteGroup(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid group ID", nil)
	}
	if err := engine.DeleteGroup(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete group", err.Error())
	}
	return ok(c, map[string]interface{}{"id": id})
}

func listGroupContacts(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid group ID", nil)
	}
	page, pageSize := parsePagination(c)

	db := GetDB(c).Model(&domain.GroupContact{}).Where("group_id = ?", id)
	if c.QueryParam("include_left") != "true" {
		db = db.Where("is_left = ?", false)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query members", err.Error())
	}
	var memberships []domain.GroupContact
	if err := db.Order("id").Offset((page - 1) * pageSize).Limit(pageSize).Find(&memberships).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query members", err.Error())
	}

	contactIDs := make([]int64, 0, len(memberships))
	for _, m := range memberships {
		contactIDs = append(contactIDs, m.ContactID)
	}
	var contacts []domain.Contact
	if len(contactIDs) > 0 {
		GetDB(c).Where("id IN ?", contactIDs).Find(&contacts)
	}
	return paged(c, map[string]interface{}{"memberships": memberships, "contacts": contacts}, total, page, pageSize)
}

func listContacts(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := GetDB(c).Model(&domain.Contact{})
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		db = db.Where("LOWER(name) LIKE ? OR phone LIKE ?", like, "%"+q+"%")
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query contacts", err.Error())
	}
	var contacts []domain.Contact
	if err := db.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&contacts).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query contacts", err.Error())
	}
	return paged(c, contacts, total, page, pageSize)
}

// autoMapGroups discovers and stores every group the account belongs to.
func autoMapGroups(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	mapped, err := engine.AutoMapExistingGroups(c.Request().Context(), id)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "AUTOMAP_FAILED", "Failed to map groups", err.Error())
	}
	return ok(c, map[string]interface{}{"mapped": mapped})
}

// scrapeGroup pulls one group's live roster through the account's driver.
func scrapeGroup(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	gid, err := parseIDParam(c, "gid")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid group ID", nil)
	}
	count, err := engine.ScrapeContacts(c.Request().Context(), id, gid)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "SCRAPE_FAILED", "Failed to scrape group", err.Error())
	}
	return ok(c, map[string]interface{}{"scraped": count})
}

func listLiveGroups(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	chats, err := engine.GetLiveGroups(c.Request().Context(), id)
	if err != nil {
		return fail(c, http.StatusServiceUnavailable, "DRIVER_UNAVAILABLE", "Failed to list live groups", err.Error())
	}
	return ok(c, map[string]interface{}{"groups": chats})
}

func listLiveContacts(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID", nil)
	}
	remoteID := strings.TrimSpace(c.QueryParam("remote_id"))
	if remoteID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "remote_id query parameter required", nil)
	}
	participants, err := engine.GetLiveContacts(c.Request().Context(), id, remoteID)
	if err != nil {
		return fail(c, http.StatusServiceUnavailable, "DRIVER_UNAVAILABLE", "Failed to fetch live roster", err.Error())
	}
	return ok(c, map[string]interface{}{"participants": participants})
}
