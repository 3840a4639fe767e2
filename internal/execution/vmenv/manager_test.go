package vmenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testJobID = "2f1c5b9e-0d4b-4c1e-9a57-1f0f7c1d3e21"

func newTestManager(t *testing.T) (*Manager, *MemoryBackend, string) {
	t.Helper()
	dir := t.TempDir()
	writeSparse(t, filepath.Join(dir, "centos.img"), 256*1024, map[int64][]byte{0: []byte("root")})
	backend := NewMemoryBackend()
	m, err := NewManager(backend, Config{
		BaseDir:   dir,
		LeaseFile: filepath.Join(dir, "default.leases"),
	}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.WithRand(bytes.NewReader([]byte{0xff, 0x01, 0x02, 0x03, 0x04, 0x05}))
	return m, backend, dir
}

func TestInstanceIsCachedPerJob(t *testing.T) {
	m, _, dir := newTestManager(t)
	a := m.Instance(testJobID, "centos.img")
	b := m.Instance(testJobID, "other.img")
	if a != b {
		t.Fatalf("expected cached instance")
	}
	if a.Name != "instance-"+testJobID {
		t.Fatalf("unexpected name %q", a.Name)
	}
	if a.ResultsDir != filepath.Join(dir, "results-"+testJobID) {
		t.Fatalf("unexpected results dir %q", a.ResultsDir)
	}
	mac1, _ := m.MAC(a)
	mac2, _ := m.MAC(a)
	if mac1 != mac2 {
		t.Fatalf("mac changed between calls: %s %s", mac1, mac2)
	}
	if mac1 != "00:16:3e:7f:01:02" {
		t.Fatalf("unexpected mac %q", mac1)
	}
}

func TestProvisionStartsInstance(t *testing.T) {
	m, backend, _ := newTestManager(t)
	inst := m.Instance(testJobID, "centos.img")
	if err := m.Provision(context.Background(), inst); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := os.Stat(inst.ImagePath); err != nil {
		t.Fatalf("instance image missing: %v", err)
	}
	info, err := os.Stat(inst.ResultsDir)
	if err != nil || !info.IsDir() {
		t.Fatalf("results dir missing: %v", err)
	}
	if !backend.NetworkActive("default") {
		t.Fatalf("network not ensured")
	}
	state, err := backend.InstanceState(context.Background(), inst.Name)
	if err != nil || state != StateRunning {
		t.Fatalf("state = %v, %v", state, err)
	}
}

func TestProvisionRefusesExistingImage(t *testing.T) {
	m, backend, _ := newTestManager(t)
	inst := m.Instance(testJobID, "centos.img")
	if err := os.WriteFile(inst.ImagePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := m.Provision(context.Background(), inst)
	var perr *ProvisionError
	if !errors.As(err, &perr) || !errors.Is(err, ErrImageExists) {
		t.Fatalf("expected ProvisionError wrapping ErrImageExists, got %v", err)
	}
	if perr.Instance != inst.Name {
		t.Fatalf("error names %q, want %q", perr.Instance, inst.Name)
	}
	if backend.Defined(inst.Name) {
		t.Fatalf("instance must not be defined after failed clone")
	}
}

func TestProvisionStartFailure(t *testing.T) {
	m, backend, _ := newTestManager(t)
	inst := m.Instance(testJobID, "centos.img")
	backend.FailStart[inst.Name] = true
	err := m.Provision(context.Background(), inst)
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), inst.Name) {
		t.Fatalf("error does not name instance: %v", err)
	}
}

func TestGetIPRequiresRunning(t *testing.T) {
	m, _, _ := newTestManager(t)
	inst := m.Instance(testJobID, "centos.img")
	if _, err := m.GetIP(context.Background(), inst); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestGetIPFromLeases(t *testing.T) {
	m, _, dir := newTestManager(t)
	inst := m.Instance(testJobID, "centos.img")
	if err := m.Provision(context.Background(), inst); err != nil {
		t.Fatalf("provision: %v", err)
	}
	leases := filepath.Join(dir, "default.leases")

	if _, err := m.GetIP(context.Background(), inst); !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("expected ErrAddressNotFound without lease file, got %v", err)
	}

	mac, _ := m.MAC(inst)
	content := fmt.Sprintf("1700000000 00:16:3e:00:00:01 192.168.122.10 other *\n"+
		"1700000001 %s 192.168.122.42 %s *\n"+
		"1700000002 %s 192.168.122.43 %s *\n", mac, inst.Name, mac, inst.Name)
	if err := os.WriteFile(leases, []byte(content), 0o644); err != nil {
		t.Fatalf("write leases: %v", err)
	}
	addr, err := m.GetIP(context.Background(), inst)
	if err != nil {
		t.Fatalf("get ip: %v", err)
	}
	if addr.String() != "192.168.122.42" {
		t.Fatalf("addr = %s, want first match", addr)
	}

	if err := os.Remove(leases); err != nil {
		t.Fatalf("remove leases: %v", err)
	}
	again, err := m.GetIP(context.Background(), inst)
	if err != nil || again != addr {
		t.Fatalf("expected cached address, got %v, %v", again, err)
	}
}

func TestLookupLeaseSkipsInvalidAddress(t *testing.T) {
	in := strings.NewReader("1 00:16:3e:11:22:33 not-an-ip h *\n2 00:16:3E:11:22:33 10.0.0.5 h *\n")
	addr, err := LookupLease(in, "00:16:3e:11:22:33")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if addr.String() != "10.0.0.5" {
		t.Fatalf("addr = %s", addr)
	}
}

func TestDestroyTwice(t *testing.T) {
	m, backend, _ := newTestManager(t)
	inst := m.Instance(testJobID, "centos.img")
	if err := m.Provision(context.Background(), inst); err != nil {
		t.Fatalf("provision: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Destroy(context.Background(), inst); err != nil {
			t.Fatalf("destroy #%d: %v", i+1, err)
		}
		if _, err := os.Stat(inst.ImagePath); !os.IsNotExist(err) {
			t.Fatalf("instance image still present after destroy #%d", i+1)
		}
	}
	if backend.Defined(inst.Name) {
		t.Fatalf("instance still defined")
	}
	if _, err := os.Stat(inst.ResultsDir); err != nil {
		t.Fatalf("results dir must outlive the instance: %v", err)
	}
}

func TestDestroyAfterPartialProvision(t *testing.T) {
	m, _, _ := newTestManager(t)
	inst := m.Instance(testJobID, "missing.img")
	if err := m.Provision(context.Background(), inst); err == nil {
		t.Fatalf("expected provision to fail for missing base image")
	}
	if err := m.Destroy(context.Background(), inst); err != nil {
		t.Fatalf("destroy after partial provision: %v", err)
	}
	if err := m.DeleteImage(inst); !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
}

func TestVirshErrorClassification(t *testing.T) {
	base := errors.New("exit status 1")
	if err := classifyVirshError("domstate", base, "error: failed to get domain 'instance-x'"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := classifyVirshError("define", base, "error: operation failed: domain 'x' already exists"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := classifyVirshError("start", base, "error: internal error"); errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("unexpected classification: %v", err)
	}
}

func TestDomainTemplateEscapes(t *testing.T) {
	var buf bytes.Buffer
	err := domainTemplate.Execute(&buf, InstanceSpec{
		Name: "instance-1", UUID: "1", MAC: "00:16:3e:00:00:01",
		ImagePath: "/srv/a&b/instance-1", ResultsDir: "/srv/results-1", Network: "default",
		MemoryKiB: 1024, VCPUs: 1,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(buf.String(), `/srv/a&amp;b/instance-1`) {
		t.Fatalf("path not escaped:\n%s", buf.String())
	}
	if infoField("Name: default\nActive:         yes\n", "active") != "yes" {
		t.Fatalf("infoField failed")
	}
}
