package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorBody is the JSON shape of every failed response.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// StatusOf returns the HTTP status an error will be rendered with.
func StatusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// MessageOf returns the client-facing message for err. Errors that are not
// echo.HTTPError never leak their text.
func MessageOf(err error) string {
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		return http.StatusText(http.StatusInternalServerError)
	}
	switch m := he.Message.(type) {
	case string:
		return m
	case error:
		return m.Error()
	case nil:
		return http.StatusText(he.Code)
	default:
		return fmt.Sprint(m)
	}
}

// ErrorHandler renders errors as {"success": false, "error": "..."}.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := StatusOf(err)
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Msg("unhandled error")
		}

		body := ErrorBody{Success: false, Error: MessageOf(err)}
		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("write error response")
		}
	}
}
