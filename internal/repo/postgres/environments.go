package postgres

import (
	"context"
	"fmt"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/repo"
)

type EnvironmentStore struct {
	db DB
}

func NewEnvironmentStore(db DB) *EnvironmentStore {
	if db == nil {
		return nil
	}
	return &EnvironmentStore{db: db}
}

func (s *EnvironmentStore) GetEnvironment(ctx context.Context, id int64) (domain.Environment, error) {
	if s == nil || s.db == nil {
		return domain.Environment{}, fmt.Errorf("environment store not initialized")
	}
	if id <= 0 {
		return domain.Environment{}, fmt.Errorf("environment id is required")
	}
	var env domain.Environment
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, repo, image_name, image_path, interpreter, open_earth_tools,
			owner_username, owner_name, owner_email
		 FROM processing_environments
		 WHERE id = $1`,
		id,
	)
	if err := row.Scan(&env.ID, &env.Name, &env.Repo, &env.Image.Name, &env.Image.ImagePath, &env.Image.Interpreter,
		&env.OpenEarthTools, &env.Owner.Username, &env.Owner.Name, &env.Owner.Email); err != nil {
		return domain.Environment{}, handleNotFound(err)
	}
	return env, nil
}

var _ repo.EnvironmentRepository = (*EnvironmentStore)(nil)
