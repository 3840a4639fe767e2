package vmenv

import (
	"context"
	"errors"
)

// Backend is the virtualization control surface used by the manager.
// Implementations map their "does not exist" and "already exists"
// conditions onto ErrNotFound and ErrAlreadyExists.
type Backend interface {
	Kind() string
	EnsureNetwork(ctx context.Context, spec NetworkSpec) error
	DefineInstance(ctx context.Context, spec InstanceSpec) error
	StartInstance(ctx context.Context, name string) error
	InstanceState(ctx context.Context, name string) (InstanceState, error)
	StopInstance(ctx context.Context, name string) error
	UndefineInstance(ctx context.Context, name string) error
}

var (
	ErrNotFound      = errors.New("vmenv_object_not_found")
	ErrAlreadyExists = errors.New("vmenv_object_already_exists")
)

// InstanceState is the run state reported by a backend.
type InstanceState string

const (
	StateUndefined InstanceState = "undefined"
	StateShutOff   InstanceState = "shut off"
	StateRunning   InstanceState = "running"
)

// NetworkSpec describes the network shared by all instances.
type NetworkSpec struct {
	Name   string
	Bridge string
}

// InstanceSpec is everything needed to define one instance.
type InstanceSpec struct {
	Name       string
	UUID       string
	MAC        string
	ImagePath  string
	ResultsDir string
	Network    string
	MemoryKiB  int
	VCPUs      int
}
