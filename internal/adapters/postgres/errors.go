package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

// ClassifyError wraps a database error with the domain sentinel that decides
// whether the caller retries. Connection, resource and serialization
// failures are transient; data and schema errors are not.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57", "40", "58":
			return fmt.Errorf("%w: %s: %v", domain.ErrTransientStore, op, err)
		case "22", "23", "42":
			return fmt.Errorf("%w: %s: %v", domain.ErrInvalidInput, op, err)
		}
	}
	switch {
	case errors.Is(err, gorm.ErrInvalidData), errors.Is(err, gorm.ErrInvalidField):
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidInput, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", domain.ErrTransientStore, op, err)
	case errors.Is(err, driver.ErrBadConn), pgconn.Timeout(err):
		return fmt.Errorf("%w: %s: %v", domain.ErrTransientStore, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %v", domain.ErrTransientStore, op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTransientStore, op, err)
}
