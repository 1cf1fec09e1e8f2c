package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/crewharbor/payments/internal/ledger"
	"github.com/crewharbor/payments/internal/reconcile"
)

type linkRequest struct {
	UserID int64 `json:"userId"`
	// DryRun returns the audit view instead of applying the link.
	DryRun bool `json:"dryRun"`
}

func (s *Server) getSubscriptionStatus(c echo.Context) error {
	userID, err := strconv.ParseInt(c.Param("userID"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}

	status, err := s.engine.Status(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load subscription status")
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) listOrphanedEvents(c echo.Context) error {
	events, err := s.recon.ListOrphaned(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list orphaned events")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) getEvent(c echo.Context) error {
	ev, err := s.recon.GetEvent(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "event not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load event")
	}
	return c.JSON(http.StatusOK, ev)
}

func (s *Server) linkEvent(c echo.Context) error {
	eventID := c.Param("id")

	var req linkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}

	ctx := c.Request().Context()

	if req.DryRun {
		inspection, err := s.recon.Inspect(ctx, eventID, req.UserID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, "event not found")
			}
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to inspect link")
		}
		return c.JSON(http.StatusOK, inspection)
	}

	if err := s.recon.Link(ctx, eventID, req.UserID); err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "event not found")
		case errors.Is(err, ledger.ErrEventProcessed):
			return echo.NewHTTPError(http.StatusConflict, "event already processed")
		case errors.Is(err, reconcile.ErrNotRepairable):
			return echo.NewHTTPError(http.StatusConflict, "event is not awaiting repair")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to link event")
		}
	}

	ev, err := s.recon.GetEvent(ctx, eventID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load event after link")
	}
	return c.JSON(http.StatusOK, ev)
}

func (s *Server) reopenEvent(c echo.Context) error {
	eventID := c.Param("id")

	if err := s.recon.Reopen(c.Request().Context(), eventID); err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "event not found")
		case errors.Is(err, ledger.ErrEventProcessed):
			return echo.NewHTTPError(http.StatusConflict, "event already processed")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to reopen event")
		}
	}

	ev, err := s.recon.GetEvent(c.Request().Context(), eventID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load event after reopen")
	}
	return c.JSON(http.StatusOK, ev)
}
