// Package clicmd is the last-resort synthesizer provider leg: it shells out
// to a locally installed "claude" CLI binary, grounded on the teacher's
// subprocess-invocation pattern in pkg/mcp/transport.go (os/exec.Command
// with captured stdout/stderr) adapted to use CommandContext so the call
// is bounded by the synthesizer's per-provider timeout.
package clicmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Provider synthesizes short advisories by invoking a local CLI in
// non-interactive "print" mode.
type Provider struct {
	binary string
	args   []string
}

// New builds a Provider. binary defaults to "claude" if empty; extraArgs are
// appended after the fixed non-interactive flags (e.g. ["--model", "haiku"]).
func New(binary string, extraArgs ...string) *Provider {
	if binary == "" {
		binary = "claude"
	}
	return &Provider{binary: binary, args: extraArgs}
}

func (p *Provider) Name() string { return "claude_cli" }

// Query runs `<binary> -p <prompt> [extraArgs...]`, bounded by ctx, and
// returns trimmed stdout. A non-empty stderr on a zero-status exit is
// ignored; a non-zero exit surfaces stderr in the returned error.
func (p *Provider) Query(ctx context.Context, prompt string) (string, error) {
	args := append([]string{"-p", prompt}, p.args...)
	cmd := exec.CommandContext(ctx, p.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("clicmd: %s: %w: %s", p.binary, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
