package rules

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	reg *Registry
}

func NewHandler(reg *Registry) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/rules", h.ListRules)
	api.GET("/rules/:id", h.GetRule)
}

// ListRulesResponse is the catalog listing returned to the monitoring UI.
type ListRulesResponse struct {
	Version int    `json:"version"`
	Rules   []Rule `json:"rules"`
}

func (h *Handler) ListRules(c echo.Context) error {
	tag := SourceTag(c.QueryParam("source_tag"))
	if tag != "" {
		if _, ok := h.reg.Classify(tag); !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown source_tag")
		}
	}
	list := h.reg.ListRules(c.QueryParam("module"), tag)
	if list == nil {
		list = []Rule{}
	}
	return c.JSON(http.StatusOK, ListRulesResponse{Version: h.reg.Version(), Rules: list})
}

func (h *Handler) GetRule(c echo.Context) error {
	r, err := h.reg.Rule(c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "rule not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, r)
}
