package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/labstack/echo/v4"
)

// ErrorHandler renders every failure as {"success": false, "error", "retryable"}.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, msg := describeError(err)
	if status >= http.StatusInternalServerError {
		logging.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorBody(msg, status == http.StatusServiceUnavailable))
	}
	if err != nil {
		logging.Warn().Err(err).Msg("failed to write error response")
	}
}

func errorBody(msg string, retryable bool) echo.Map {
	return echo.Map{"success": false, "error": msg, "retryable": retryable}
}

func describeError(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Internal != nil && apperr.KindOf(he.Internal) != apperr.KindInternal {
			return describeError(he.Internal)
		}
		return he.Code, fmt.Sprint(he.Message)
	}

	var ae *apperr.Error
	if !errors.As(err, &ae) {
		if apperr.IsRetryable(err) {
			return http.StatusServiceUnavailable, "service temporarily unavailable"
		}
		return http.StatusInternalServerError, "internal error"
	}
	return statusOf(ae.Kind), ae.Public()
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindIntegrity:
		return http.StatusUnprocessableEntity
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
