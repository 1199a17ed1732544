package tools

import (
	"context"
	"fmt"

	"github.com/tetherlabs/tether/internal/sandbox"
)

// RegisterBash registers the bash tool, which runs a shell command inside
// the session's sandbox target and returns its combined output.
func RegisterBash(r *Registry, runner sandbox.Runner) error {
	desc := Descriptor{
		Name:        "bash",
		Description: "Execute a bash command in your sandboxed environment and return its output. Commands run in a persistent container; files you create remain across calls.",
		Params: map[string]Param{
			"command": {
				Type:        "string",
				Description: "The bash command to execute",
				Required:    true,
			},
		},
	}
	return r.Register(desc, func(ctx context.Context, target string, args map[string]any) (string, error) {
		command, ok := args["command"].(string)
		if !ok {
			return "", fmt.Errorf("%w: bash: command must be a string", ErrMalformedArguments)
		}
		return runner.Exec(ctx, target, command)
	})
}
