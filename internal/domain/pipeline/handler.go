package pipeline

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/lock"
	"github.com/medimg/volumetry/pkg/pagination"
)

type Handler struct {
	exec *Executor
}

func NewHandler(exec *Executor) *Handler {
	return &Handler{exec: exec}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/pipeline/runs", h.StartRun)
	api.GET("/pipeline/runs", h.ListRuns)
	api.GET("/pipeline/runs/:id", h.GetRun)
}

type runRequest struct {
	BatchID string `json:"batch_id"`
}

// StartRun executes the pipeline synchronously and returns the finished run.
func (h *Handler) StartRun(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := uuid.Parse(req.BatchID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch_id")
	}
	run, err := h.exec.Run(c.Request().Context(), id)
	switch {
	case errors.Is(err, volumetry.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "batch not found")
	case volumetry.IsPeriodClosed(err), errors.Is(err, lock.ErrPeriodBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.exec.GetRun(c.Request().Context(), id)
	if errors.Is(err, volumetry.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) ListRuns(c echo.Context) error {
	var batchID uuid.UUID
	if v := c.QueryParam("batch_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid batch_id")
		}
		batchID = id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.exec.ListRuns(c.Request().Context(), batchID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
