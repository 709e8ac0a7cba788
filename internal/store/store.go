// Package store holds the persistence operations of the scan pipeline on top
// of the generic database.DB interface.
package store

import (
	"time"

	"github.com/sonarsweep/sonarsweep/internal/database"
)

// Store groups the repositories for data sources, jobs, runs, outputs,
// dead letters and backend admission slots.
type Store struct {
	db database.DB
}

// New wraps db in a Store.
func New(db database.DB) *Store {
	return &Store{db: db}
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
