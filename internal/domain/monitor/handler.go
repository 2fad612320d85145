package monitor

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medimg/volumetry/internal/domain/rules"
)

type Handler struct {
	mon *Monitor
}

func NewHandler(mon *Monitor) *Handler {
	return &Handler{mon: mon}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/effectiveness", h.Verify)
}

// Verify handles GET /effectiveness?rule_id=a,b.
func (h *Handler) Verify(c echo.Context) error {
	var ids []string
	for _, v := range c.QueryParams()["rule_id"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	reports, err := h.mon.Verify(c.Request().Context(), ids)
	if errors.Is(err, rules.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, reports)
}
