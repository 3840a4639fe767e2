package vmenv

import (
	"errors"
	"fmt"
)

var (
	ErrImageExists     = errors.New("instance image already exists")
	ErrImageNotFound   = errors.New("instance image not found")
	ErrStartFailed     = errors.New("instance failed to start")
	ErrNotRunning      = errors.New("instance not running")
	ErrAddressNotFound = errors.New("no address found for instance")
)

// ProvisionError identifies the instance whose provisioning failed.
type ProvisionError struct {
	Instance string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Instance, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
