package commit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openearth-labs/openearth-go/internal/execution/runner"
)

const (
	defaultNcattedBin  = "/usr/bin/ncatted"
	attributeTimestamp = "2006-01-02T15:04:05Z"
	publisherUnknown   = "Not available"
)

// Publisher is the identity written into published grid datasets.
type Publisher struct {
	Name  string
	Email string
}

// displayName returns Name only when the publisher has a usable email.
func (p Publisher) displayName() string {
	if len(p.Email) > 4 {
		return p.Name
	}
	return publisherUnknown
}

// GridRequest describes one grid dataset to copy and mark.
type GridRequest struct {
	Source    string
	Dest      string
	JobID     string
	Published bool
	Publisher Publisher
}

func attribute(name, value string) []runner.Arg {
	return []runner.Arg{runner.Plain("--attribute"), runner.Plain(name + ",global,o,c," + value)}
}

// NcattedCommand builds the attribute-editing command for req. The source
// is read and the result is written to req.Dest.
func NcattedCommand(bin string, req GridRequest, now time.Time) runner.Command {
	if strings.TrimSpace(bin) == "" {
		bin = defaultNcattedBin
	}
	cmd := runner.Args(bin)
	if req.Published {
		stamp := now.UTC().Format(attributeTimestamp)
		cmd = cmd.Append(attribute("processing_level", "final")...)
		cmd = cmd.Append(attribute("uuid", req.JobID)...)
		cmd = cmd.Append(attribute("date_created", stamp)...)
		cmd = cmd.Append(attribute("date_modified", stamp)...)
		cmd = cmd.Append(attribute("publisher_name", req.Publisher.displayName())...)
		cmd = cmd.Append(attribute("publisher_email", req.Publisher.Email)...)
	} else {
		cmd = cmd.Append(attribute("processing_level", "preliminary")...)
		cmd = cmd.Append(attribute("processing_job", req.JobID)...)
	}
	return cmd.Append(
		runner.Plain("--overwrite"),
		runner.Plain("--history"),
		runner.Plain(req.Source),
		runner.Plain(req.Dest),
	)
}

// commitGrid writes a marked copy of the grid dataset. Output on stderr is
// treated as failure even when the tool exits zero.
func (e *Engine) commitGrid(ctx context.Context, req GridRequest, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return &CommitError{File: req.Source, Err: fmt.Errorf("create destination directory: %w", err)}
	}
	cmd := NcattedCommand(e.cfg.NcattedBin, req, e.now())
	logger.Info("marking grid dataset", "command", cmd.Redacted(), "published", req.Published)

	var stderr []string
	_, err := e.runner.Run(ctx, cmd, func(line runner.Line) {
		if line.Stream == runner.Stderr {
			stderr = append(stderr, line.Text)
			return
		}
		logger.Debug(line.Text)
	})
	if err != nil || len(stderr) > 0 {
		return &CommitError{File: req.Source, Output: strings.Join(stderr, "\n"), Err: err}
	}
	return nil
}
