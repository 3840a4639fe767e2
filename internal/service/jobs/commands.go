package jobs

import (
	"fmt"
	"path"
	"strings"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/execution/interp"
	"github.com/openearth-labs/openearth-go/internal/execution/runner"
	"github.com/openearth-labs/openearth-go/internal/execution/vcs"
)

// Step is one command run inside the environment. A failing best-effort
// step is logged and the job continues. A Shell step is a single shell
// fragment handed to the remote shell unquoted.
type Step struct {
	Name       string
	Command    runner.Command
	BestEffort bool
	Shell      bool
}

// RepositoryURL is the checkout URL of an environment's repository.
func (s Settings) RepositoryURL(env domain.Environment) string {
	return s.Repository.BaseURL + env.Repo
}

// BuildSteps returns the remote commands of job in execution order: the
// repository checkout, the scripts checkout when it is pinned to another
// revision, introspection, tool checkouts and the script itself.
func (s Settings) BuildSteps(client vcs.Client, job domain.Job, env domain.Environment) ([]Step, error) {
	if client == nil {
		return nil, fmt.Errorf("vcs client is required")
	}
	repoURL := s.RepositoryURL(env)
	workDir := s.Repository.WorkDir
	scriptsDir := path.Join(workDir, s.Repository.ScriptsPath)

	var steps []Step
	checkout, err := client.Checkout(vcs.CheckoutRequest{
		URL:         repoURL,
		Destination: workDir,
		Revision:    job.Revision,
		Credentials: s.Repository.Credentials,
	})
	if err != nil {
		return nil, fmt.Errorf("repository checkout: %w", err)
	}
	steps = append(steps, Step{Name: "checkout", Command: checkout})

	if rev := strings.TrimSpace(job.ScriptRevision); rev != "" && rev != strings.TrimSpace(job.Revision) {
		scripts, err := client.Checkout(vcs.CheckoutRequest{
			URL:         repoURL + s.Repository.ScriptsPath,
			Destination: scriptsDir,
			Revision:    rev,
			Credentials: s.Repository.Credentials,
		})
		if err != nil {
			return nil, fmt.Errorf("scripts checkout: %w", err)
		}
		steps = append(steps, Step{Name: "checkout-scripts", Command: scripts})
	}

	for _, line := range s.Introspection {
		steps = append(steps, Step{Name: "introspect", Command: runner.Args(line), BestEffort: true, Shell: true})
	}

	if env.OpenEarthTools {
		for _, tool := range s.Tools {
			cmd, err := client.Checkout(vcs.CheckoutRequest{
				URL:         tool.URL,
				Destination: tool.Path,
				Revision:    job.ToolsRevision,
				Credentials: vcs.Credentials{Username: tool.Username, Password: tool.Password},
			})
			if err != nil {
				return nil, fmt.Errorf("tools checkout %s: %w", tool.Name, err)
			}
			steps = append(steps, Step{Name: "checkout-tools", Command: cmd})
		}
	}

	script, err := interp.RenderScript(s.interpreter(env.Image), shellQuote(path.Join(scriptsDir, job.Script)))
	if err != nil {
		return nil, err
	}
	steps = append(steps, Step{Name: "script", Command: runner.Args(script), Shell: true})
	return steps, nil
}

// ScriptCheck lists job's script at the revision its scripts are checked
// out at. The command fails when the script is not in the repository.
func (s Settings) ScriptCheck(client vcs.Client, job domain.Job, env domain.Environment) (runner.Command, error) {
	if client == nil {
		return nil, fmt.Errorf("vcs client is required")
	}
	rev := strings.TrimSpace(job.ScriptRevision)
	if rev == "" {
		rev = job.Revision
	}
	url := s.RepositoryURL(env) + s.Repository.ScriptsPath + job.Script
	return client.List(url, rev, s.Repository.Credentials)
}

func (s Settings) interpreter(image domain.Image) string {
	if raw, ok := s.InterpreterByName[image.Name]; ok && strings.TrimSpace(raw) != "" {
		return raw
	}
	return image.Interpreter
}

// Remote wraps command so it runs on host over ssh as the worker user.
// ssh joins its arguments into one remote shell line, so each argument is
// quoted.
func (s Settings) Remote(host string, command runner.Command) runner.Command {
	quoted := make(runner.Command, 0, len(command))
	for _, arg := range command {
		if arg.IsSecret() {
			quoted = append(quoted, runner.Secret(shellQuote(arg.Value())))
			continue
		}
		quoted = append(quoted, runner.Plain(shellQuote(arg.Value())))
	}
	return s.sshPrefix(host).Append(quoted...)
}

// RemoteStep is Remote for a step; shell fragments are passed verbatim.
func (s Settings) RemoteStep(host string, step Step) runner.Command {
	if step.Shell {
		return s.sshPrefix(host).Append(step.Command...)
	}
	return s.Remote(host, step.Command)
}

func (s Settings) sshPrefix(host string) runner.Command {
	prefix := runner.Args(s.SSH.Bin)
	for _, opt := range s.SSH.Options {
		prefix = prefix.Append(runner.Plain(opt))
	}
	return prefix.Append(
		runner.Plain("-i"), runner.Plain(expandHome(s.SSH.KeyPath)),
		runner.Plain(s.SSH.User+"@"+host),
	)
}

// shellQuote single-quotes s unless it only holds characters the shell
// leaves alone.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool { return !isShellSafe(r) }) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("@%+=:,./_-", r)
}
