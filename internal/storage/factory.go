package storage

import "fmt"

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		if sqlitePath == "" {
			return nil, fmt.Errorf("sqlite backend needs a database path")
		}
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
