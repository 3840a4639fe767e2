package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Owner identifies the user an environment belongs to. Name and Email are
// written into published datasets as publisher identity.
type Owner struct {
	Username string
	Name     string
	Email    string
}

// Image is a base VM image that processing environments run on.
type Image struct {
	Name        string
	ImagePath   string
	Interpreter string
}

// Environment is a user-defined processing environment: a repository with
// raw data and scripts plus the image the scripts run on.
type Environment struct {
	ID             int64
	Name           string
	Repo           string
	Image          Image
	OpenEarthTools bool
	Owner          Owner
}

func (e Environment) Validate() error {
	if e.ID <= 0 {
		return errors.New("environment id is required")
	}
	if strings.TrimSpace(e.Image.ImagePath) == "" {
		return errors.New("environment image is required")
	}
	if strings.TrimSpace(e.Image.Interpreter) == "" {
		return errors.New("environment interpreter is required")
	}
	return nil
}

// Job is a single scheduled execution of a script in an environment.
type Job struct {
	ID             string
	EnvironmentID  int64
	Script         string
	Revision       string
	ScriptRevision string
	ToolsRevision  string
	Start          time.Time
	CreatedAt      time.Time
	Status         Status
	AutoCommit     bool
}

func (j Job) Validate() error {
	if _, err := uuid.Parse(strings.TrimSpace(j.ID)); err != nil {
		return errors.New("job id must be a uuid")
	}
	if j.EnvironmentID <= 0 {
		return errors.New("environment id is required")
	}
	if strings.TrimSpace(j.Script) == "" {
		return errors.New("script is required")
	}
	return nil
}

// ResultFile is a file harvested from a job's results directory.
type ResultFile struct {
	ID        int64
	JobID     string
	Name      string
	Path      string
	ObjectKey string
	Committed bool
}
