package exporter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tetherlabs/tether/internal/sandbox"
	"github.com/tetherlabs/tether/pkg/models"
)

const defaultExportDir = "/data/conversations"

// ContainerSink writes exports into the session's own sandbox, so a user's
// conversation history lives alongside their files. The JSON travels as
// base64 through the exec channel to sidestep shell quoting.
type ContainerSink struct {
	runner sandbox.Runner
	dir    string
	logger *slog.Logger
}

// NewContainerSink creates a sink writing under dir inside the target.
// An empty dir uses /data/conversations.
func NewContainerSink(runner sandbox.Runner, dir string, logger *slog.Logger) *ContainerSink {
	if dir == "" {
		dir = defaultExportDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerSink{runner: runner, dir: dir, logger: logger}
}

// Save writes the export to <dir>/<session_id>_<timestamp>.json inside
// target.
func (s *ContainerSink) Save(ctx context.Context, target string, export models.SessionExport) error {
	data, err := json.Marshal(export)
	if err != nil {
		return fmt.Errorf("exporter: marshal export for %s: %w", export.SessionID, err)
	}

	name := fmt.Sprintf("%s_%s.json", export.SessionID, sanitizeTimestamp(export.Timestamp))
	path := s.dir + "/" + name
	encoded := base64.StdEncoding.EncodeToString(data)
	command := fmt.Sprintf("mkdir -p %s && echo %s | base64 -d > %s", s.dir, encoded, path)

	if _, err := s.runner.Exec(ctx, target, command); err != nil {
		return fmt.Errorf("exporter: write export to %s: %w", target, err)
	}
	s.logger.Debug("wrote session export", "target", target, "path", path)
	return nil
}

// sanitizeTimestamp makes an RFC 3339 timestamp filename-safe.
func sanitizeTimestamp(ts string) string {
	return strings.NewReplacer(":", "-", "+", "p").Replace(ts)
}
