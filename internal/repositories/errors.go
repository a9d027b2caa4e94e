package repositories

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"
)

// dbError classifies a store error so callers can tell missing rows and
// transient outages apart from bugs.
func dbError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return apperr.Wrap(op, err)
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, mongo.ErrNoDocuments):
		return apperr.Wrap(op, apperr.NotFound("record not found"))
	case errors.Is(err, context.DeadlineExceeded),
		mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return apperr.Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Transient(op, err)
	}
	return apperr.Wrap(op, err)
}

// isUniqueViolation matches PostgreSQL's unique_violation (23505) when the
// dialector did not translate it into gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLSTATE 23505")
}
