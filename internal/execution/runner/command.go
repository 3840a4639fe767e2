package runner

import "strings"

// SecretMarker replaces secret arguments wherever a command is displayed.
const SecretMarker = "XXXXXXXX"

// Arg is a single command-line argument with a value used for execution and
// a display form used for logs and errors.
type Arg struct {
	value  string
	secret bool
}

// Plain returns an argument displayed as-is.
func Plain(value string) Arg {
	return Arg{value: value}
}

// Secret returns an argument displayed as SecretMarker.
func Secret(value string) Arg {
	return Arg{value: value, secret: true}
}

// Value returns the real argument passed to the process.
func (a Arg) Value() string { return a.value }

// String returns the display form.
func (a Arg) String() string {
	if a.secret {
		return SecretMarker
	}
	return a.value
}

// IsSecret reports whether the argument is redacted when displayed.
func (a Arg) IsSecret() bool { return a.secret }

// Command is an argv whose elements may be secret.
type Command []Arg

// Args builds a command from plain strings.
func Args(values ...string) Command {
	cmd := make(Command, 0, len(values))
	for _, v := range values {
		cmd = append(cmd, Plain(v))
	}
	return cmd
}

// Append returns a new command with extra arguments.
func (c Command) Append(args ...Arg) Command {
	out := make(Command, 0, len(c)+len(args))
	out = append(out, c...)
	return append(out, args...)
}

// Argv returns the real argument values.
func (c Command) Argv() []string {
	out := make([]string, len(c))
	for i, a := range c {
		out[i] = a.value
	}
	return out
}

// Redacted returns the command line with secrets masked.
func (c Command) Redacted() string {
	parts := make([]string, len(c))
	for i, a := range c {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}

func (c Command) String() string { return c.Redacted() }
