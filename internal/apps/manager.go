package apps

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrAppNotFound is returned when no app matches the given id or key.
// Callers treat it as an authentication failure and never retry.
var ErrAppNotFound = errors.New("app not found")

// AppManager resolves apps by id or key. Implementations must not cache
// negative lookups beyond a single call: app configuration may change
// between connect attempts.
type AppManager interface {
	FindByID(ctx context.Context, id string) (*App, error)
	FindByKey(ctx context.Context, key string) (*App, error)
}

// Driver names accepted by NewAppManager.
const (
	DriverArray = "array"
	DriverGorm  = "gorm"
)

// NewAppManager selects the app manager driver. The array driver serves
// apps straight from configuration; the gorm driver looks them up in
// postgres on every call.
func NewAppManager(driver string, configured []App, db *gorm.DB) (AppManager, error) {
	switch driver {
	case DriverArray, "":
		return NewArrayAppManager(configured), nil
	case DriverGorm:
		if db == nil {
			return nil, fmt.Errorf("app manager driver %q requires a database connection", driver)
		}
		return NewGormAppManager(db), nil
	default:
		return nil, fmt.Errorf("unknown app manager driver %q", driver)
	}
}
