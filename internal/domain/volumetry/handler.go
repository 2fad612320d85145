package volumetry

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medimg/volumetry/internal/platform/lock"
	"github.com/medimg/volumetry/pkg/pagination"
)

type Handler struct {
	svc   *Service
	store Store
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, store: svc.store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/batches", h.StageBatch)
	api.GET("/batches", h.ListBatches)
	api.GET("/batches/:id", h.GetBatch)

	api.GET("/exclusions", h.ListExclusions)
	api.GET("/exclusions/export", h.ExportExclusions)

	api.GET("/periods/:period", h.GetPeriod)
	api.POST("/periods/:period/close", h.ClosePeriod)
	api.POST("/periods/:period/open", h.OpenPeriod)
}

func (h *Handler) StageBatch(c echo.Context) error {
	var req StageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.StageBatch(c.Request().Context(), &req)
	if err != nil {
		if IsTransient(err) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.svc.GetBatch(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "batch not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBatches(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListBatches(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func exclusionFilter(c echo.Context) (ExclusionFilter, error) {
	var f ExclusionFilter
	if v := c.QueryParam("batch_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, fmt.Errorf("invalid batch_id")
		}
		f.BatchID = id
	}
	if v := c.QueryParam("period"); v != "" {
		p, err := ParsePeriod(v)
		if err != nil {
			return f, err
		}
		f.Period = p
	}
	f.RuleID = c.QueryParam("rule_id")
	return f, nil
}

func (h *Handler) ListExclusions(c echo.Context) error {
	f, err := exclusionFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListExclusions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// ExportExclusions streams the filtered exclusion log as a Parquet file.
func (h *Handler) ExportExclusions(c echo.Context) error {
	f, err := exclusionFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/vnd.apache.parquet")
	res.Header().Set(echo.HeaderContentDisposition, `attachment; filename="exclusions.parquet"`)
	res.WriteHeader(http.StatusOK)
	_, err = ExportExclusions(c.Request().Context(), h.store, f, res)
	return err
}

func periodParam(c echo.Context) (Period, error) {
	p, err := ParsePeriod(c.Param("period"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return p, nil
}

func (h *Handler) GetPeriod(c echo.Context) error {
	p, err := periodParam(c)
	if err != nil {
		return err
	}
	st, err := h.svc.GetPeriod(c.Request().Context(), p)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

type closeRequest struct {
	ClosedBy string `json:"closed_by"`
}

func (h *Handler) ClosePeriod(c echo.Context) error {
	p, err := periodParam(c)
	if err != nil {
		return err
	}
	var req closeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st, err := h.svc.ClosePeriod(c.Request().Context(), p, req.ClosedBy)
	if err != nil {
		if errors.Is(err, lock.ErrPeriodBusy) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) OpenPeriod(c echo.Context) error {
	p, err := periodParam(c)
	if err != nil {
		return err
	}
	st, err := h.svc.OpenPeriod(c.Request().Context(), p)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}
