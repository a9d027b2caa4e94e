package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/anonto42/dzaleka-online/backend/internal/feed"
	"github.com/labstack/echo/v4"
)

// readUpload reads an optional multipart file. It returns nil when the field
// is absent and 400 when the file is larger than maxBytes.
func readUpload(c echo.Context, field string, maxBytes int64) (*feed.Upload, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid multipart form")
	}
	if fh.Size > maxBytes {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be at most %d bytes", field, maxBytes))
	}

	f, err := fh.Open()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Failed to read "+field)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Failed to read "+field)
	}
	return &feed.Upload{Filename: fh.Filename, Data: data}, nil
}
