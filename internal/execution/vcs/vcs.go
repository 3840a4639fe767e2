// Package vcs builds version-control commands that run inside an execution
// environment. Only command construction lives here; the commands are
// executed remotely through the process runner.
package vcs

import (
	"errors"
	"strings"

	"github.com/openearth-labs/openearth-go/internal/execution/runner"
)

// Credentials authenticate against a repository. Both values are passed as
// secret arguments.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) empty() bool {
	return c.Username == "" && c.Password == ""
}

// CheckoutRequest describes one checkout. An empty Revision means latest.
type CheckoutRequest struct {
	URL         string
	Destination string
	Revision    string
	Credentials Credentials
}

// Client builds checkout and listing commands for one VCS.
type Client interface {
	Kind() string
	Checkout(req CheckoutRequest) (runner.Command, error)
	List(url, revision string, creds Credentials) (runner.Command, error)
}

// Subversion builds svn command lines.
type Subversion struct {
	Bin             string
	TrustServerCert bool
}

func NewSubversion(bin string, trustServerCert bool) *Subversion {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "/usr/bin/svn"
	}
	return &Subversion{Bin: bin, TrustServerCert: trustServerCert}
}

func (s *Subversion) Kind() string { return "svn" }

func (s *Subversion) Checkout(req CheckoutRequest) (runner.Command, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, errors.New("checkout url is required")
	}
	if strings.TrimSpace(req.Destination) == "" {
		return nil, errors.New("checkout destination is required")
	}
	cmd := runner.Args(s.Bin, "co", req.URL, req.Destination)
	if rev := strings.TrimSpace(req.Revision); rev != "" {
		cmd = cmd.Append(runner.Plain("--revision"), runner.Plain(rev))
	}
	return cmd.Append(s.common(req.Credentials)...), nil
}

func (s *Subversion) List(url, revision string, creds Credentials) (runner.Command, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("list url is required")
	}
	cmd := runner.Args(s.Bin, "list", url)
	if rev := strings.TrimSpace(revision); rev != "" {
		cmd = cmd.Append(runner.Plain("--revision"), runner.Plain(rev))
	}
	return cmd.Append(s.common(creds)...), nil
}

func (s *Subversion) common(creds Credentials) []runner.Arg {
	var args []runner.Arg
	if !creds.empty() {
		args = append(args,
			runner.Plain("--username"), runner.Secret(creds.Username),
			runner.Plain("--password"), runner.Secret(creds.Password),
		)
	}
	args = append(args, runner.Plain("--non-interactive"))
	if s.TrustServerCert {
		args = append(args, runner.Plain("--trust-server-cert"))
	}
	return args
}

var _ Client = (*Subversion)(nil)
