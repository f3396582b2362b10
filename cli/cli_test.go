package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/petal-labs/mcpchain/pushserver"
)

// executeCommand runs a fresh command tree and captures stdout and stderr.
func executeCommand(args ...string) (stdout, stderr string, err error) {
	root := NewRootCmd("test")
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// isolateEnv clears the deployment signals so transport inference is local.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"VERCEL", "VERCEL_ENV", "VERCEL_URL", "APP_ENV", "NODE_ENV", "API_BASE_URL", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func wantExitCode(t *testing.T, err error, code int) {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want *ExitError", err)
	}
	if exitErr.Code != code {
		t.Fatalf("exit code = %d (%v), want %d", exitErr.Code, exitErr, code)
	}
}

// mockServerConfig starts a mock push-channel server and writes a config
// pointing the "fs" server at it.
func mockServerConfig(t *testing.T, dir string, tools map[string]pushserver.MockTool) string {
	t.Helper()
	srv := httptest.NewServer(pushserver.NewHandler(pushserver.Config{
		Tool: pushserver.MockMCP(tools, nil),
	}))
	t.Cleanup(srv.Close)
	return writeTestFile(t, dir, "mcpchain.yaml", `
servers:
  - name: fs
    type: sse
    url: `+srv.URL+pushserver.StreamPath+`
monitoring:
  enabled: true
  log_level: warn
`)
}

const listAndSaveWorkflow = `
name: list-and-save
variables:
  root: /data
steps:
  - id: list
    server: fs
    tool: list_directory
    args:
      path: $var.root
    on_success: [save]
  - id: save
    server: fs
    tool: write_file
    args:
      contents: $result.list
`

func TestValidateCommand(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "servers.yaml", "servers:\n  - name: fs\n    command: npx\n    args: [\"-y\", \"fs-server\"]\n")
	wf := writeTestFile(t, dir, "flow.yaml", listAndSaveWorkflow)

	stdout, _, err := executeCommand("validate", "--config", cfg, wf)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(stdout, `workflow "list-and-save" is valid (2 steps, entry list)`) {
		t.Fatalf("stdout = %q", stdout)
	}

	stdout, _, err = executeCommand("validate", "--config", cfg, "--format", "json", wf)
	if err != nil {
		t.Fatalf("validate --format json error = %v", err)
	}
	var report validateReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode report error = %v", err)
	}
	if !report.Valid || report.Steps != 2 || len(report.Servers) != 1 || report.Servers[0] != "fs" {
		t.Fatalf("report = %+v", report)
	}
}

func TestValidateCommandFailures(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "servers.yaml", "servers: []\n")

	_, _, err := executeCommand("validate", "--config", cfg, filepath.Join(dir, "missing.yaml"))
	wantExitCode(t, err, exitFileNotFound)

	broken := writeTestFile(t, dir, "broken.yaml", "steps:\n  - id: a\n    server: fs\n    tool: t\n    on_success: [ghost]\n")
	stdout, _, err := executeCommand("validate", "--config", cfg, broken)
	wantExitCode(t, err, exitValidation)
	if !strings.Contains(stdout, "error:") || !strings.Contains(stdout, "ghost") {
		t.Fatalf("stdout = %q, want dangling reference error", stdout)
	}

	wf := writeTestFile(t, dir, "flow.yaml", listAndSaveWorkflow)
	stdout, _, err = executeCommand("validate", "--config", cfg, wf)
	if err != nil {
		t.Fatalf("validate without --strict error = %v", err)
	}
	if !strings.Contains(stdout, `warning: server "fs" is not configured`) {
		t.Fatalf("stdout = %q, want unknown server warning", stdout)
	}
	_, _, err = executeCommand("validate", "--config", cfg, "--strict", wf)
	wantExitCode(t, err, exitValidation)
}

func TestRunCommandAgainstMockServer(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfg := mockServerConfig(t, dir, nil)
	wf := writeTestFile(t, dir, "flow.yaml", listAndSaveWorkflow)
	db := filepath.Join(dir, "journal.db")

	stdout, stderr, err := executeCommand("run", "--config", cfg, "--format", "json",
		"--var", "root=/srv", "--var", "limit=3", "--store-path", db, "--metrics", wf)
	if err != nil {
		t.Fatalf("run error = %v\nstderr: %s", err, stderr)
	}

	var out resultJSON
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode output error = %v\n%s", err, stdout)
	}
	if out.Status != "success" || out.RunID == "" {
		t.Fatalf("output = %+v, want success", out)
	}
	listed, _ := out.Context.Results["list"].(map[string]any)
	if listed["tool"] != "list_directory" {
		t.Fatalf("list result = %v", out.Context.Results["list"])
	}
	args, _ := listed["arguments"].(map[string]any)
	if args["path"] != "/srv" {
		t.Fatalf("list arguments = %v, want --var override", args)
	}
	if out.Context.Variables["limit"] != float64(3) {
		t.Fatalf("limit = %v, want number 3", out.Context.Variables["limit"])
	}
	if !strings.Contains(stderr, "mcpchain.step.executions") {
		t.Fatalf("stderr = %q, want metrics summary", stderr)
	}

	stdout, _, err = executeCommand("history", "--store-path", db)
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if !strings.Contains(stdout, out.RunID) || !strings.Contains(stdout, "list-and-save") || !strings.Contains(stdout, "success") {
		t.Fatalf("history = %q", stdout)
	}

	stdout, _, err = executeCommand("history", "--store-path", db, out.RunID)
	if err != nil {
		t.Fatalf("history <run> error = %v", err)
	}
	for _, want := range []string{"run.started", "step.finished", "run.finished"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("history events = %q, want %s", stdout, want)
		}
	}
}

func TestRunCommandFailureKeepsPartialContext(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfg := mockServerConfig(t, dir, map[string]pushserver.MockTool{
		"explode": func(context.Context, string, map[string]any) (any, error) {
			return nil, errors.New("disk on fire")
		},
	})
	wf := writeTestFile(t, dir, "flow.yaml", `
name: failing
steps:
  - id: first
    server: fs
    tool: read_file
    on_success: [boom]
  - id: boom
    server: fs
    tool: explode
`)

	stdout, _, err := executeCommand("run", "--config", cfg, wf)
	wantExitCode(t, err, exitRuntime)
	if !strings.Contains(stdout, ": failure") || !strings.Contains(stdout, "first:") || !strings.Contains(stdout, "disk on fire") {
		t.Fatalf("stdout = %q, want failure summary with partial results", stdout)
	}
}

func TestRunCommandInputErrors(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "servers.yaml", "servers: []\n")
	wf := writeTestFile(t, dir, "flow.yaml", listAndSaveWorkflow)

	_, _, err := executeCommand("run", "--config", cfg, "--format", "yaml", wf)
	wantExitCode(t, err, exitInputParse)

	_, _, err = executeCommand("run", "--config", cfg, "--var", "novalue", wf)
	wantExitCode(t, err, exitInputParse)

	_, _, err = executeCommand("run", "--config", cfg, "--transport", "carrier-pigeon", wf)
	wantExitCode(t, err, exitInputParse)

	_, _, err = executeCommand("run", "--config", cfg, wf)
	wantExitCode(t, err, exitValidation)

	_, _, err = executeCommand("run", "--config", filepath.Join(dir, "nope.yaml"), wf)
	wantExitCode(t, err, exitFileNotFound)
}

func TestServersCommand(t *testing.T) {
	isolateEnv(t)
	t.Setenv("BRAVE_API_KEY", "your-brave-key")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GOOGLE_API_KEY", "")
	dir := t.TempDir()
	cfg := writeTestFile(t, dir, "mcpchain.yaml", `
servers:
  - name: filesystem
    command: npx
    args: ["-y", "fs-server"]
  - name: search
    type: sse
    url: http://localhost:3000/api/sse/stream
    required: false
    requires_api_key: BRAVE_API_KEY
  - name: broken
    type: sse
`)

	stdout, _, err := executeCommand("servers", "--config", cfg, "--format", "json")
	if err != nil {
		t.Fatalf("servers error = %v", err)
	}
	var report serversReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(report.Servers) != 3 {
		t.Fatalf("servers = %+v", report.Servers)
	}
	fs, search, broken := report.Servers[0], report.Servers[1], report.Servers[2]
	if fs.Transport != "stdio" || !fs.Valid || !fs.Available {
		t.Fatalf("filesystem = %+v", fs)
	}
	if search.Available || !strings.Contains(search.Problem, "BRAVE_API_KEY") {
		t.Fatalf("search = %+v, want skipped for placeholder key", search)
	}
	if broken.Valid || !strings.Contains(broken.Problem, "requires a url") {
		t.Fatalf("broken = %+v", broken)
	}
	if len(report.APIKeys.Available) != 1 || report.APIKeys.Available[0] != "OpenAI" {
		t.Fatalf("api keys = %+v", report.APIKeys)
	}

	stdout, _, err = executeCommand("servers", "--config", cfg)
	if err != nil {
		t.Fatalf("servers text error = %v", err)
	}
	for _, want := range []string{"NAME", "filesystem", "skipped", "invalid", "API keys available: OpenAI"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout = %q, want %q", stdout, want)
		}
	}
}

func TestServeRequiresSchedules(t *testing.T) {
	isolateEnv(t)
	cfg := writeTestFile(t, t.TempDir(), "mcpchain.yaml", "servers: []\n")
	_, _, err := executeCommand("serve", "--config", cfg)
	wantExitCode(t, err, exitValidation)
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"name=backup", "count=3", "dry=true", "path=/a=b", "empty="})
	if err != nil {
		t.Fatalf("parseVars() error = %v", err)
	}
	if vars["name"] != "backup" || vars["count"] != 3 || vars["dry"] != true || vars["path"] != "/a=b" || vars["empty"] != "" {
		t.Fatalf("vars = %#v", vars)
	}
}

func TestExitErrorUnwraps(t *testing.T) {
	err := exitError(exitFileNotFound, "loading: %w", os.ErrNotExist)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("errors.Is(%v, ErrNotExist) = false", err)
	}
	if err.Error() != "loading: file does not exist" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
