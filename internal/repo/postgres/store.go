package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openearth-labs/openearth-go/internal/repo"
)

// Store bundles the repositories backed by one database handle.
type Store struct {
	db *sql.DB

	Jobs         *JobStore
	Environments *EnvironmentStore
	Results      *ResultFileStore
}

func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		db:           db,
		Jobs:         NewJobStore(db),
		Environments: NewEnvironmentStore(db),
		Results:      NewResultFileStore(db),
	}
}

type importStore struct {
	*ObservationStore
	*LocationStore
	*ReferenceStore
}

func newImportStore(db DB) importStore {
	return importStore{
		ObservationStore: NewObservationStore(db),
		LocationStore:    NewLocationStore(db),
		ReferenceStore:   NewReferenceStore(db),
	}
}

// WithinImportTx runs fn in a transaction that is committed only when fn
// returns nil.
func (s *Store) WithinImportTx(ctx context.Context, fn func(store repo.ImportStore) error) (err error) {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(newImportStore(tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

var _ repo.Transactor = (*Store)(nil)
