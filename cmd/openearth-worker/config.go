package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/openearth-labs/openearth-go/internal/platform/env"
)

type workerConfig struct {
	SettingsPath    string
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        slog.Level
	ApplySchema     bool

	BaseDir        string
	LeaseFile      string
	Network        string
	Bridge         string
	VirshBin       string
	LibvirtURI     string
	ResultsDirMode fs.FileMode
	MemoryKiB      int
	VCPUs          int

	SVNBin          string
	TrustServerCert bool

	OpendapDir string
	KMLDir     string
	NcattedBin string
}

func configFromEnv() (workerConfig, error) {
	shutdown, err := env.Duration("OPENEARTH_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return workerConfig{}, err
	}
	level, err := parseLevel(env.String("OPENEARTH_LOG_LEVEL", "info"))
	if err != nil {
		return workerConfig{}, err
	}
	mode, err := strconv.ParseUint(env.String("OPENEARTH_RESULTS_DIR_MODE", "0777"), 8, 32)
	if err != nil {
		return workerConfig{}, fmt.Errorf("parse OPENEARTH_RESULTS_DIR_MODE: %w", err)
	}
	memory, err := env.Int("OPENEARTH_VM_MEMORY_KIB", 1024*1024)
	if err != nil {
		return workerConfig{}, err
	}
	vcpus, err := env.Int("OPENEARTH_VM_VCPUS", 1)
	if err != nil {
		return workerConfig{}, err
	}
	trust, err := env.Bool("OPENEARTH_SVN_TRUST_SERVER_CERT", true)
	if err != nil {
		return workerConfig{}, err
	}
	applySchema, err := env.Bool("OPENEARTH_APPLY_SCHEMA", false)
	if err != nil {
		return workerConfig{}, err
	}
	return workerConfig{
		SettingsPath:    env.String("OPENEARTH_SETTINGS", "/etc/openearth/worker.yaml"),
		HTTPAddr:        env.String("OPENEARTH_HTTP_ADDR", ":9102"),
		ShutdownTimeout: shutdown,
		LogLevel:        level,
		ApplySchema:     applySchema,
		BaseDir:         env.String("OPENEARTH_VM_BASE_DIR", "/var/lib/libvirt/images"),
		LeaseFile:       env.String("OPENEARTH_LEASE_FILE", "/var/lib/libvirt/dnsmasq/default.leases"),
		Network:         env.String("OPENEARTH_VM_NETWORK", "default"),
		Bridge:          env.String("OPENEARTH_VM_BRIDGE", "virbr0"),
		VirshBin:        env.String("OPENEARTH_VIRSH_BIN", "virsh"),
		LibvirtURI:      env.String("OPENEARTH_LIBVIRT_URI", "lxc:///"),
		ResultsDirMode:  fs.FileMode(mode),
		MemoryKiB:       memory,
		VCPUs:           vcpus,
		SVNBin:          env.String("OPENEARTH_SVN_BIN", "/usr/bin/svn"),
		TrustServerCert: trust,
		OpendapDir:      env.String("OPENEARTH_OPENDAP_DIR", "/data/opendap"),
		KMLDir:          env.String("OPENEARTH_KML_DIR", "/data/kml"),
		NcattedBin:      env.String("OPENEARTH_NCATTED_BIN", "/usr/bin/ncatted"),
	}, nil
}

// bindFlags lets command-line flags override the environment.
func (c *workerConfig) bindFlags(flags *pflag.FlagSet) *string {
	flags.StringVar(&c.SettingsPath, "settings", c.SettingsPath, "worker catalog (YAML)")
	flags.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "address of the health and metrics endpoint")
	flags.StringVar(&c.BaseDir, "base-dir", c.BaseDir, "directory holding base images, instances and results")
	flags.StringVar(&c.OpendapDir, "opendap-dir", c.OpendapDir, "root of committed grid files")
	flags.StringVar(&c.KMLDir, "kml-dir", c.KMLDir, "root of committed vector files")
	flags.BoolVar(&c.ApplySchema, "apply-schema", c.ApplySchema, "create missing tables before consuming")
	return flags.String("log-level", c.LogLevel.String(), "debug, info, warn or error")
}

func (c workerConfig) validate() error {
	if strings.TrimSpace(c.SettingsPath) == "" {
		return errors.New("settings path is required")
	}
	if strings.TrimSpace(c.BaseDir) == "" {
		return errors.New("base dir is required")
	}
	if c.ResultsDirMode == 0 {
		return errors.New("results dir mode must not be zero")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("parse log level %q: %w", s, err)
	}
	return level, nil
}
