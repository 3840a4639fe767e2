package vmenv

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"
)

// DefaultVirshURI is the libvirt connection used for container instances.
const DefaultVirshURI = "lxc:///"

var xmlFuncs = template.FuncMap{
	"xml": func(s string) (string, error) {
		var b strings.Builder
		if err := xml.EscapeText(&b, []byte(s)); err != nil {
			return "", err
		}
		return b.String(), nil
	},
}

var networkTemplate = template.Must(template.New("network").Funcs(xmlFuncs).Parse(`<network>
  <name>{{ xml .Name }}</name>
  <forward mode="nat"/>
  <bridge name="{{ xml .Bridge }}" stp="on" delay="0"/>
  <ip address="192.168.122.1" netmask="255.255.255.0">
    <dhcp>
      <range start="192.168.122.2" end="192.168.122.254"/>
    </dhcp>
  </ip>
</network>
`))

var domainTemplate = template.Must(template.New("domain").Funcs(xmlFuncs).Parse(`<domain type="lxc">
  <name>{{ xml .Name }}</name>
  <uuid>{{ xml .UUID }}</uuid>
  <memory unit="KiB">{{ .MemoryKiB }}</memory>
  <vcpu>{{ .VCPUs }}</vcpu>
  <os>
    <type>exe</type>
    <init>/sbin/init</init>
  </os>
  <devices>
    <filesystem type="file" accessmode="passthrough">
      <driver type="loop" format="raw"/>
      <source file="{{ xml .ImagePath }}"/>
      <target dir="/"/>
    </filesystem>
    <filesystem type="mount" accessmode="passthrough">
      <source dir="{{ xml .ResultsDir }}"/>
      <target dir="/results"/>
    </filesystem>
    <interface type="network">
      <mac address="{{ xml .MAC }}"/>
      <source network="{{ xml .Network }}"/>
    </interface>
    <console type="pty"/>
  </devices>
</domain>
`))

// Virsh drives libvirt through the virsh command line client.
type Virsh struct {
	bin string
	uri string
}

func NewVirsh(bin, uri string) (*Virsh, error) {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "virsh"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("virsh binary not found: %w", err)
	}
	uri = strings.TrimSpace(uri)
	if uri == "" {
		uri = DefaultVirshURI
	}
	return &Virsh{bin: bin, uri: uri}, nil
}

func (v *Virsh) Kind() string {
	return "virsh"
}

func (v *Virsh) EnsureNetwork(ctx context.Context, spec NetworkSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return errors.New("network name is required")
	}
	out, err := v.run(ctx, "net-info", spec.Name)
	if errors.Is(err, ErrNotFound) {
		if spec.Bridge == "" {
			spec.Bridge = "virbr0"
		}
		if err := v.defineFromTemplate(ctx, "net-define", networkTemplate, spec); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return err
		}
		out, err = v.run(ctx, "net-info", spec.Name)
	}
	if err != nil {
		return err
	}
	if infoField(out, "Active") == "yes" {
		return nil
	}
	// Another job may start the network between net-info and net-start.
	if _, err := v.run(ctx, "net-start", spec.Name); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return err
	}
	return nil
}

func (v *Virsh) DefineInstance(ctx context.Context, spec InstanceSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return errors.New("instance name is required")
	}
	if _, err := v.run(ctx, "dominfo", spec.Name); err == nil {
		return fmt.Errorf("%s: %w", spec.Name, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return v.defineFromTemplate(ctx, "define", domainTemplate, spec)
}

func (v *Virsh) StartInstance(ctx context.Context, name string) error {
	_, err := v.run(ctx, "start", name)
	return err
}

func (v *Virsh) InstanceState(ctx context.Context, name string) (InstanceState, error) {
	out, err := v.run(ctx, "domstate", name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StateUndefined, err
		}
		return "", err
	}
	switch strings.ToLower(strings.TrimSpace(out)) {
	case "running":
		return StateRunning, nil
	default:
		return StateShutOff, nil
	}
}

func (v *Virsh) StopInstance(ctx context.Context, name string) error {
	_, err := v.run(ctx, "destroy", name)
	return err
}

func (v *Virsh) UndefineInstance(ctx context.Context, name string) error {
	_, err := v.run(ctx, "undefine", name)
	return err
}

func (v *Virsh) defineFromTemplate(ctx context.Context, verb string, tmpl *template.Template, data any) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render %s xml: %w", tmpl.Name(), err)
	}
	f, err := os.CreateTemp("", tmpl.Name()+"-*.xml")
	if err != nil {
		return fmt.Errorf("write %s xml: %w", tmpl.Name(), err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s xml: %w", tmpl.Name(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s xml: %w", tmpl.Name(), err)
	}
	_, err = v.run(ctx, verb, f.Name())
	return err
}

func (v *Virsh) run(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{"-c", v.uri}, args...)
	cmd := exec.CommandContext(ctx, v.bin, argv...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, classifyVirshError(args[0], err, text)
	}
	return text, nil
}

func classifyVirshError(verb string, err error, text string) error {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "not found"),
		strings.Contains(lower, "failed to get domain"),
		strings.Contains(lower, "failed to get network"),
		strings.Contains(lower, "no domain with matching"),
		strings.Contains(lower, "no network with matching"),
		strings.Contains(lower, "domain is not running"):
		return fmt.Errorf("%w: virsh %s: %s", ErrNotFound, verb, text)
	case strings.Contains(lower, "already exists"),
		strings.Contains(lower, "already active"):
		return fmt.Errorf("%w: virsh %s: %s", ErrAlreadyExists, verb, text)
	}
	return fmt.Errorf("virsh %s failed: %w: %s", verb, err, text)
}

// infoField reads "Key:   value" lines printed by virsh info commands.
func infoField(out, key string) string {
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.ToLower(strings.TrimSpace(v))
		}
	}
	return ""
}

var _ Backend = (*Virsh)(nil)
