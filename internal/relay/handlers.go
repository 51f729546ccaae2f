package relay

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/roomsync/internal/store"
)

// CustomValidator wraps the go-playground/validator library to implement Echo's Validator interface.
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new CustomValidator.
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate implements the echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// HistoryRequest defines the DTO for the message history endpoint.
type HistoryRequest struct {
	RoomID   string `param:"id" validate:"required,max=128"`
	Page     int    `query:"page" validate:"gte=0"`
	PageSize int    `query:"pageSize" validate:"gte=0,lte=500"`
}

// SnapshotRequest defines the DTO for the room snapshot endpoint.
type SnapshotRequest struct {
	RoomID string `param:"id" validate:"required,max=128"`
}

// GetMessages returns one page of a room's history as JSON.
func (s *Server) GetMessages(c echo.Context) error {
	var req HistoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request format.")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PageSize == 0 {
		req.PageSize = store.DefaultPageSize
	}

	page, err := s.History(c.Request().Context(), req.RoomID, req.Page, req.PageSize)
	if err != nil {
		s.logger.Error("Failed to load history", "room_id", req.RoomID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load messages")
	}
	return c.JSON(http.StatusOK, page)
}

// GetSnapshot returns the authoritative state of a room as JSON.
func (s *Server) GetSnapshot(c echo.Context) error {
	var req SnapshotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request format.")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	snap, err := s.Snapshot(c.Request().Context(), req.RoomID)
	if err != nil {
		s.logger.Error("Failed to build snapshot", "room_id", req.RoomID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load room")
	}
	return c.JSON(http.StatusOK, snap)
}
