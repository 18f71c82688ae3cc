package store

import "fmt"

// New creates a Store from the configured driver.
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
