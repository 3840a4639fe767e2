package postgres

import (
	"context"
	"fmt"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/repo"
)

// nearestLocationQuery compares points in EPSG:4326 so the tolerance is in
// degrees regardless of the source reference system.
const nearestLocationQuery = `WITH probe AS (
		SELECT ST_Transform(ST_SetSRID(ST_MakePoint($1, $2), $3), 4326) AS geom
	)
	SELECT lp.id, lp.origx, lp.origy, lp.orig_srid
	FROM location_points lp, probe
	WHERE ST_DWithin(lp.the_geom, probe.geom, $4)
	ORDER BY ST_Distance(lp.the_geom, probe.geom), lp.id
	LIMIT 1`

type LocationStore struct {
	db DB
}

func NewLocationStore(db DB) *LocationStore {
	if db == nil {
		return nil
	}
	return &LocationStore{db: db}
}

func (s *LocationStore) NearestLocation(ctx context.Context, x, y float64, srid int, tolerance float64) (domain.LocationPoint, error) {
	if s == nil || s.db == nil {
		return domain.LocationPoint{}, fmt.Errorf("location store not initialized")
	}
	if srid <= 0 {
		return domain.LocationPoint{}, fmt.Errorf("srid is required")
	}
	var p domain.LocationPoint
	row := s.db.QueryRowContext(ctx, nearestLocationQuery, x, y, srid, tolerance)
	if err := row.Scan(&p.ID, &p.X, &p.Y, &p.SRID); err != nil {
		return domain.LocationPoint{}, handleNotFound(err)
	}
	return p, nil
}

func (s *LocationStore) CreateLocation(ctx context.Context, point domain.LocationPoint) (domain.LocationPoint, error) {
	if s == nil || s.db == nil {
		return domain.LocationPoint{}, fmt.Errorf("location store not initialized")
	}
	if point.SRID <= 0 {
		return domain.LocationPoint{}, fmt.Errorf("srid is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`INSERT INTO location_points (origx, origy, orig_srid, the_geom)
		 VALUES ($1, $2, $3, ST_Transform(ST_SetSRID(ST_MakePoint($1, $2), $3), 4326))
		 RETURNING id`,
		point.X,
		point.Y,
		point.SRID,
	)
	if err := row.Scan(&point.ID); err != nil {
		return domain.LocationPoint{}, fmt.Errorf("insert location: %w", err)
	}
	return point, nil
}

var _ repo.LocationRepository = (*LocationStore)(nil)
