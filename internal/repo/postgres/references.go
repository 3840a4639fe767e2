package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/repo"
)

var referenceTables = map[string]string{
	domain.RefCompartment:       "compartments",
	domain.RefMeasurementMethod: "measurement_methods",
	domain.RefParameter:         "parameters",
	domain.RefProperty:          "properties",
	domain.RefQuality:           "qualities",
	domain.RefSampleDevice:      "sample_devices",
	domain.RefSampleMethod:      "sample_methods",
	domain.RefUnit:              "units",
}

type ReferenceStore struct {
	db DB
}

func NewReferenceStore(db DB) *ReferenceStore {
	if db == nil {
		return nil
	}
	return &ReferenceStore{db: db}
}

func buildReferenceQuery(kind string) (string, error) {
	table, ok := referenceTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown reference kind %q", kind)
	}
	return `SELECT id FROM ` + table + ` WHERE lower(description) = lower($1) ORDER BY id LIMIT 1`, nil
}

func (s *ReferenceStore) ResolveReference(ctx context.Context, kind, value string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("reference store not initialized")
	}
	query, err := buildReferenceQuery(kind)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(value)).Scan(&id); err != nil {
		return 0, handleNotFound(err)
	}
	return id, nil
}

var _ repo.ReferenceRepository = (*ReferenceStore)(nil)
