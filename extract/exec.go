package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExecExtractor shells out to a local command. The prompt is written to
// stdin and stdout is taken as the model response, which lets any local
// runner (llama.cpp wrapper, python script) act as an extractor.
type ExecExtractor struct {
	command []string
}

// NewExecExtractor builds an extractor around command argv.
func NewExecExtractor(command []string) *ExecExtractor {
	return &ExecExtractor{command: command}
}

func (e *ExecExtractor) Name() string {
	if len(e.command) == 0 {
		return "exec"
	}
	return "exec:" + filepath.Base(e.command[0])
}

// Extract runs the command once. Cancellation kills the process.
func (e *ExecExtractor) Extract(ctx context.Context, prompt string) (string, error) {
	if len(e.command) == 0 {
		return "", fmt.Errorf("missing extraction command")
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
		return "", fmt.Errorf("extraction command: %w", ctx.Err())
	}
	if err != nil {
		if msg := truncate(strings.TrimSpace(stderr.String()), 200); msg != "" {
			return "", fmt.Errorf("extraction command: %w: %s", err, msg)
		}
		return "", fmt.Errorf("extraction command: %w", err)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", fmt.Errorf("empty output from extraction command")
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
