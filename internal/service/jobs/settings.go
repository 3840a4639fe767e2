package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openearth-labs/openearth-go/internal/execution/vcs"
)

const (
	DefaultIPAttempts    = 40
	DefaultIPBackoff     = time.Second
	DefaultSSHReadyDelay = 15 * time.Second
)

// DefaultExtensions are the result file types attached to a job.
var DefaultExtensions = []string{".nc", ".m", ".txt", ".log", ".csv", ".kml", ".kmz", ".png"}

// SSHSettings describe how commands reach the environment.
type SSHSettings struct {
	Bin     string   `yaml:"bin"`
	User    string   `yaml:"user"`
	KeyPath string   `yaml:"key_path"`
	Options []string `yaml:"options"`
}

// RepositorySettings locate the user repositories and the worker's copy of
// them inside the environment.
type RepositorySettings struct {
	BaseURL     string          `yaml:"base_url"`
	ScriptsPath string          `yaml:"scripts_path"`
	WorkDir     string          `yaml:"work_dir"`
	Username    string          `yaml:"username"`
	Password    string          `yaml:"password"`
	Credentials vcs.Credentials `yaml:"-"`
}

// ToolRepository is a shared tool library checked out for environments
// that use it.
type ToolRepository struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Path     string `yaml:"path"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Settings is the worker catalog.
type Settings struct {
	SSH               SSHSettings        `yaml:"ssh"`
	Repository        RepositorySettings `yaml:"repository"`
	Tools             []ToolRepository   `yaml:"tools"`
	Introspection     []string           `yaml:"introspection"`
	RemoteResultsDir  string             `yaml:"remote_results_dir"`
	IPAttempts        int                `yaml:"ip_attempts"`
	IPBackoff         time.Duration      `yaml:"ip_backoff"`
	SSHReadyDelay     time.Duration      `yaml:"ssh_ready_delay"`
	ResultExtensions  []string           `yaml:"result_extensions"`
	ResultsBucket     string             `yaml:"results_bucket"`
	InterpreterByName map[string]string  `yaml:"interpreters"`
	// VerifyScript lists the script in the repository from the worker host
	// before an environment is provisioned.
	VerifyScript bool `yaml:"verify_script"`
}

// ParseSettings decodes a YAML catalog, fills defaults and validates it.
// Values of the form ${NAME} are replaced from the environment.
func ParseSettings(input []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(input))), &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadSettings reads the catalog at path.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return ParseSettings(data)
}

// WithDefaults returns s with unset values filled in.
func (s Settings) WithDefaults() Settings {
	if s.SSH.Bin == "" {
		s.SSH.Bin = "/usr/bin/ssh"
	}
	if s.SSH.User == "" {
		s.SSH.User = "worker"
	}
	if s.SSH.KeyPath == "" {
		s.SSH.KeyPath = "~/.ssh/id_rsa_worker"
	}
	if s.SSH.Options == nil {
		s.SSH.Options = []string{"-oStrictHostKeyChecking=no", "-oUserKnownHostsFile=/dev/null"}
	}
	if s.Repository.WorkDir == "" {
		s.Repository.WorkDir = "/home/worker/svn"
	}
	if s.Repository.ScriptsPath == "" {
		s.Repository.ScriptsPath = "scripts/"
	}
	s.Repository.Credentials = vcs.Credentials{Username: s.Repository.Username, Password: s.Repository.Password}
	if s.RemoteResultsDir == "" {
		s.RemoteResultsDir = "/home/worker/results"
	}
	if s.Introspection == nil {
		s.Introspection = []string{
			"/usr/bin/yum list installed > " + s.RemoteResultsDir + "/installed_rpms.txt",
			"pip freeze > " + s.RemoteResultsDir + "/installed_python_packages.txt",
		}
	}
	if s.IPAttempts <= 0 {
		s.IPAttempts = DefaultIPAttempts
	}
	if s.IPBackoff <= 0 {
		s.IPBackoff = DefaultIPBackoff
	}
	if s.SSHReadyDelay < 0 {
		s.SSHReadyDelay = 0
	} else if s.SSHReadyDelay == 0 {
		s.SSHReadyDelay = DefaultSSHReadyDelay
	}
	if len(s.ResultExtensions) == 0 {
		s.ResultExtensions = DefaultExtensions
	}
	return s
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Repository.BaseURL) == "" {
		return errors.New("repository.base_url is required")
	}
	for i, t := range s.Tools {
		if strings.TrimSpace(t.URL) == "" || strings.TrimSpace(t.Path) == "" {
			return fmt.Errorf("tools[%d] requires url and path", i)
		}
	}
	for _, ext := range s.ResultExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("result extension %q must start with a dot", ext)
		}
	}
	return nil
}

// expandHome resolves a leading "~/" against the current user's home.
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
