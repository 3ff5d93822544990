package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeployment(t *testing.T) *deployment {
	t.Helper()
	dep, err := buildDeployment(filepath.Join(t.TempDir(), "spark_home"))
	require.NoError(t, err)
	return dep
}

func writeEnvelope(t *testing.T, env hookEnvelope) *os.File {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)

	f, err := os.CreateTemp(t.TempDir(), "envelope-*.json")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestRunHook_UserPromptProducesNoOutput(t *testing.T) {
	dep := newTestDeployment(t)
	in := writeEnvelope(t, hookEnvelope{SessionID: "s1", PromptText: "fix the failing test"})

	outPath := filepath.Join(t.TempDir(), "out")
	out, err := os.Create(outPath)
	require.NoError(t, err)
	defer out.Close()

	require.NoError(t, runHook(dep, "user_prompt", in, out))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestRunHook_PreToolRunsWithoutError(t *testing.T) {
	dep := newTestDeployment(t)
	in := writeEnvelope(t, hookEnvelope{SessionID: "s2", Tool: "Edit", Input: "main.go"})

	outPath := filepath.Join(t.TempDir(), "out")
	out, err := os.Create(outPath)
	require.NoError(t, err)
	defer out.Close()

	assert.NoError(t, runHook(dep, "pre_tool", in, out))
}

func TestRunHook_PostToolProducesNoOutput(t *testing.T) {
	dep := newTestDeployment(t)
	in := writeEnvelope(t, hookEnvelope{SessionID: "s3", Tool: "Edit", Success: true})

	outPath := filepath.Join(t.TempDir(), "out")
	out, err := os.Create(outPath)
	require.NoError(t, err)
	defer out.Close()

	require.NoError(t, runHook(dep, "post_tool", in, out))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestRunHook_UnknownHookErrors(t *testing.T) {
	dep := newTestDeployment(t)
	in := writeEnvelope(t, hookEnvelope{SessionID: "s4"})

	outPath := filepath.Join(t.TempDir(), "out")
	out, err := os.Create(outPath)
	require.NoError(t, err)
	defer out.Close()

	err = runHook(dep, "not_a_hook", in, out)
	assert.Error(t, err)
}

func TestBuildProviders_EmptyEnvironmentYieldsNoProviders(t *testing.T) {
	for _, key := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "OLLAMA_MODEL", "SPARK_CLAUDE_CLI", "SPARK_LLM_SIDECAR_TARGET"} {
		t.Setenv(key, "")
	}
	assert.Empty(t, buildProviders())
}

func TestBuildProviders_ClaudeCLIWiredWhenBinarySet(t *testing.T) {
	t.Setenv("SPARK_CLAUDE_CLI", "/usr/local/bin/claude")
	providers := buildProviders()
	require.Contains(t, providers, "claude_cli")
	assert.Equal(t, "claude_cli", providers["claude_cli"].Name())
}
