package storage

import "fmt"

// Open builds the document store for driver and applies migrations
func Open(driver, dsn string) (Store, error) {
	var (
		s   *SQLStore
		err error
	)
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		s, err = NewPostgres(dsn)
	case "sqlite":
		s, err = NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to migrate %s store: %w", driver, err)
	}
	return s, nil
}
