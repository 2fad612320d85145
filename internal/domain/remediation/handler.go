package remediation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/lock"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/remediations", h.Remediate)
}

type scopeRequest struct {
	BatchID   string `json:"batch_id"`
	SourceTag string `json:"source_tag"`
	Period    string `json:"period"`
}

type remediateRequest struct {
	RuleIDs []string     `json:"rule_ids"`
	Scope   scopeRequest `json:"scope"`
}

func (r scopeRequest) scope() (volumetry.Scope, error) {
	s := volumetry.Scope{SourceTag: rules.SourceTag(r.SourceTag)}
	if r.BatchID != "" {
		id, err := uuid.Parse(r.BatchID)
		if err != nil {
			return s, errors.New("invalid scope.batch_id")
		}
		s.BatchID = id
	}
	if r.Period != "" {
		p, err := volumetry.ParsePeriod(r.Period)
		if err != nil {
			return s, err
		}
		s.Period = p
	}
	return s, nil
}

// Remediate runs synchronously and returns the remediation result.
func (h *Handler) Remediate(c echo.Context) error {
	var req remediateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	scope, err := req.Scope.scope()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Remediate(c.Request().Context(), req.RuleIDs, scope)
	switch {
	case errors.Is(err, ErrNoRules), rules.IsConfigError(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, rules.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case volumetry.IsPeriodClosed(err), errors.Is(err, lock.ErrPeriodBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
