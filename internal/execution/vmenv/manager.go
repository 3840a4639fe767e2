// Package vmenv provisions and destroys the ephemeral virtual machine that
// runs a single job. Each instance is keyed by the job uuid: its cloned image
// is <base_dir>/instance-<uuid> and its results directory, which outlives the
// machine, is <base_dir>/results-<uuid>.
package vmenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const defaultResultsDirMode fs.FileMode = 0o777

// Config configures a Manager.
type Config struct {
	BaseDir        string
	LeaseFile      string
	Network        NetworkSpec
	ResultsDirMode fs.FileMode
	MemoryKiB      int
	VCPUs          int
}

// Manager owns the per-job instances of one worker.
type Manager struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
	rand    io.Reader

	mu        sync.Mutex
	instances map[string]*Instance
}

// Instance is the cached, per-job view of an execution environment.
type Instance struct {
	JobID      string
	Name       string
	BaseImage  string
	ImagePath  string
	ResultsDir string

	mu  sync.Mutex
	mac string
	ip  netip.Addr
}

func NewManager(backend Backend, cfg Config, logger *slog.Logger) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	cfg.BaseDir = strings.TrimSpace(cfg.BaseDir)
	if cfg.BaseDir == "" {
		return nil, errors.New("base dir is required")
	}
	if cfg.LeaseFile == "" {
		cfg.LeaseFile = DefaultLeaseFile
	}
	if cfg.Network.Name == "" {
		cfg.Network.Name = "default"
	}
	if cfg.ResultsDirMode == 0 {
		cfg.ResultsDirMode = defaultResultsDirMode
	}
	if cfg.MemoryKiB <= 0 {
		cfg.MemoryKiB = 1024 * 1024
	}
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend:   backend,
		cfg:       cfg,
		logger:    logger,
		instances: map[string]*Instance{},
	}, nil
}

// WithRand replaces the MAC randomness source.
func (m *Manager) WithRand(r io.Reader) *Manager {
	m.rand = r
	return m
}

// ResultsDir returns the results directory of a job without creating it.
func (m *Manager) ResultsDir(jobID string) string {
	return filepath.Join(m.cfg.BaseDir, "results-"+jobID)
}

// Instance returns the cached instance for jobID, creating the record on
// first use. baseImage is ignored for an existing record.
func (m *Manager) Instance(jobID, baseImage string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[jobID]; ok {
		return inst
	}
	name := "instance-" + jobID
	inst := &Instance{
		JobID:      jobID,
		Name:       name,
		BaseImage:  baseImage,
		ImagePath:  filepath.Join(m.cfg.BaseDir, name),
		ResultsDir: m.ResultsDir(jobID),
	}
	m.instances[jobID] = inst
	return inst
}

// Forget drops the cached record of a job.
func (m *Manager) Forget(jobID string) {
	m.mu.Lock()
	delete(m.instances, jobID)
	m.mu.Unlock()
}

// MAC returns the instance's hardware address, generating it once.
func (m *Manager) MAC(inst *Instance) (string, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.mac != "" {
		return inst.mac, nil
	}
	mac, err := NewMAC(m.rand)
	if err != nil {
		return "", err
	}
	inst.mac = mac
	return mac, nil
}

// EnsureResultsDir creates the results directory if needed.
func (m *Manager) EnsureResultsDir(inst *Instance) error {
	if err := os.MkdirAll(inst.ResultsDir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	if err := os.Chmod(inst.ResultsDir, m.cfg.ResultsDirMode); err != nil {
		return fmt.Errorf("chmod results dir: %w", err)
	}
	return nil
}

// Provision clones the base image, prepares network and results directory,
// then defines and starts the instance.
func (m *Manager) Provision(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return errors.New("instance is required")
	}
	src := filepath.Join(m.cfg.BaseDir, inst.BaseImage)
	m.logger.Info("cloning base image", "instance", inst.Name, "src", src, "dst", inst.ImagePath)
	written, err := CloneSparse(src, inst.ImagePath)
	if err != nil {
		var perr *ProvisionError
		if errors.As(err, &perr) {
			perr.Instance = inst.Name
			return perr
		}
		return &ProvisionError{Instance: inst.Name, Err: err}
	}
	m.logger.Info("image cloned", "instance", inst.Name, "bytes_written", written)

	mac, err := m.MAC(inst)
	if err != nil {
		return &ProvisionError{Instance: inst.Name, Err: err}
	}
	if err := m.backend.EnsureNetwork(ctx, m.cfg.Network); err != nil {
		return &ProvisionError{Instance: inst.Name, Err: fmt.Errorf("ensure network: %w", err)}
	}
	if err := m.EnsureResultsDir(inst); err != nil {
		return &ProvisionError{Instance: inst.Name, Err: err}
	}

	spec := InstanceSpec{
		Name:       inst.Name,
		UUID:       inst.JobID,
		MAC:        mac,
		ImagePath:  inst.ImagePath,
		ResultsDir: inst.ResultsDir,
		Network:    m.cfg.Network.Name,
		MemoryKiB:  m.cfg.MemoryKiB,
		VCPUs:      m.cfg.VCPUs,
	}
	if err := m.backend.DefineInstance(ctx, spec); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return &ProvisionError{Instance: inst.Name, Err: fmt.Errorf("define: %w", err)}
	}
	if err := m.backend.StartInstance(ctx, inst.Name); err != nil {
		return &ProvisionError{Instance: inst.Name, Err: fmt.Errorf("%w: %v", ErrStartFailed, err)}
	}
	m.logger.Info("instance started", "instance", inst.Name, "mac", mac)
	return nil
}

// GetIP resolves the instance address from the lease table. The first
// successful lookup is cached.
func (m *Manager) GetIP(ctx context.Context, inst *Instance) (netip.Addr, error) {
	inst.mu.Lock()
	cached := inst.ip
	mac := inst.mac
	inst.mu.Unlock()
	if cached.IsValid() {
		return cached, nil
	}

	state, err := m.backend.InstanceState(ctx, inst.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return netip.Addr{}, fmt.Errorf("instance state: %w", err)
	}
	if state != StateRunning {
		return netip.Addr{}, fmt.Errorf("%s: %w", inst.Name, ErrNotRunning)
	}
	if mac == "" {
		return netip.Addr{}, fmt.Errorf("%s: %w", inst.Name, ErrAddressNotFound)
	}

	addr, err := lookupLeaseFile(m.cfg.LeaseFile, mac)
	if err != nil {
		if errors.Is(err, ErrAddressNotFound) {
			return netip.Addr{}, fmt.Errorf("%s (%s): %w", inst.Name, mac, ErrAddressNotFound)
		}
		return netip.Addr{}, err
	}

	inst.mu.Lock()
	inst.ip = addr
	inst.mu.Unlock()
	return addr, nil
}

// DeleteImage removes the cloned image, returning ErrImageNotFound when it
// is already gone.
func (m *Manager) DeleteImage(inst *Instance) error {
	if err := os.Remove(inst.ImagePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", inst.ImagePath, ErrImageNotFound)
		}
		return fmt.Errorf("delete instance image: %w", err)
	}
	return nil
}

// Destroy deletes the clone, stops the instance if it runs and undefines it.
// Every step is attempted; missing objects are logged, not returned, so
// calling Destroy after a partial provision or a second time succeeds.
func (m *Manager) Destroy(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return nil
	}
	var errs []error

	if err := m.DeleteImage(inst); err != nil {
		if errors.Is(err, ErrImageNotFound) {
			m.logger.Warn("instance image already removed", "instance", inst.Name)
		} else {
			errs = append(errs, err)
		}
	}

	state, err := m.backend.InstanceState(ctx, inst.Name)
	switch {
	case err != nil && !errors.Is(err, ErrNotFound):
		errs = append(errs, fmt.Errorf("instance state: %w", err))
	case state == StateRunning:
		if err := m.backend.StopInstance(ctx, inst.Name); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
	default:
		m.logger.Warn("instance was not running", "instance", inst.Name)
	}

	if err := m.backend.UndefineInstance(ctx, inst.Name); err != nil && !errors.Is(err, ErrNotFound) {
		errs = append(errs, fmt.Errorf("undefine: %w", err))
	}
	return errors.Join(errs...)
}
