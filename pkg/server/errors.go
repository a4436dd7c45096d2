package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pixperk/leasekeeper/pkg/types"
)

// converts domain errors to http errors
// the client maps the status codes back, so they must stay in sync with httpstore
func toHTTPError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, types.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())

	case errors.Is(err, types.ErrAlreadyExists), errors.Is(err, types.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())

	case errors.Is(err, types.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusPreconditionFailed, err.Error())

	case errors.Is(err, types.ErrLeaseMismatch):
		return echo.NewHTTPError(http.StatusGone, err.Error())

	case errors.Is(err, types.ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())

	//includes the current leader address in the message
	case errors.Is(err, types.ErrNotLeader):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())

	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
