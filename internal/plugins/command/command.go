// Package commandplugin implements exec_command, an enrichment function that
// hands each record to an external program. The record is written to the
// program's stdin as one JSON object and the program answers with a JSON
// object on stdout. This is how plugins written in any language join a flow
// without a loader of their own.
package commandplugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// Name is the plugin name exec_command registers under.
const Name = "exec_command"

// Exit code a program uses to reject the record it was given. Any other
// non-zero code is fatal.
const exitReject = 65

type settings struct {
	command string
	shell   string
	env     map[string]string
	workDir string
	replace bool
}

func parseSettings(cfg record.Record) (settings, error) {
	s := settings{}
	command, ok := cfg.GetString("command")
	if !ok || strings.TrimSpace(command) == "" {
		return s, capability.ConfigError("command is required")
	}
	s.command = command
	s.shell, _ = cfg.GetString("shell")
	s.workDir, _ = cfg.GetString("workdir")
	s.replace, _ = cfg.GetBool("replace")

	if v, present := cfg["env"]; present {
		env, isMap := v.AsMap()
		if !isMap {
			return s, capability.ConfigError("env must be an object of strings")
		}
		s.env = make(map[string]string, len(env))
		for key, val := range env {
			str, isString := val.AsString()
			if !isString {
				return s, capability.ConfigError("env.%s must be a string", key)
			}
			s.env[key] = str
		}
	}
	return s, nil
}

type runner struct{}

// New creates an exec_command instance.
func New() capability.EnrichmentFunction {
	return runner{}
}

var (
	_ capability.EnrichmentFunction = runner{}
	_ capability.Initializer        = runner{}
)

// Manifest declares exec_command for the given native entry point.
func Manifest(entryPoint string) manifest.Manifest {
	return manifest.Manifest{
		Name:            Name,
		Capability:      capability.KindEnrichmentFunction,
		LoaderKind:      manifest.LoaderNative,
		EntryPoint:      entryPoint,
		Version:         "1.0.0",
		ConcurrencySafe: true,
		Description:     "Pipes each record as JSON through an external program.",
		ConfigSchema: record.MustFromMap(map[string]any{
			"type":     "object",
			"required": []any{"command"},
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "minLength": 1},
				"shell":   map[string]any{"type": "string"},
				"workdir": map[string]any{"type": "string"},
				"replace": map[string]any{"type": "boolean"},
				"env":     map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
			},
		}),
	}
}

// Init checks the config and that a shell is available.
func (runner) Init(ctx context.Context, cfg record.Record) error {
	s, err := parseSettings(cfg)
	if err != nil {
		return err
	}
	if _, _, err := determineShell(s.shell); err != nil {
		return capability.ConfigError("%v", err)
	}
	if s.workDir != "" {
		if fi, err := os.Stat(s.workDir); err != nil || !fi.IsDir() {
			return capability.ConfigError("workdir %s is not a directory", s.workDir)
		}
	}
	return nil
}

func (runner) Process(ctx context.Context, rec, cfg record.Record) (record.Record, error) {
	s, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}
	shell, shellArgs, err := determineShell(s.shell)
	if err != nil {
		return nil, capability.ConfigError("%v", err)
	}

	if rec == nil {
		rec = record.Record{}
	}
	input, err := json.Marshal(rec)
	if err != nil {
		return nil, capability.DataError("encode record: %v", err)
	}

	cmd := exec.CommandContext(ctx, shell, append(shellArgs, s.command)...)
	cmd.Env = buildEnv(s.env)
	cmd.Dir = s.workDir
	cmd.Stdin = bytes.NewReader(input)
	res, err := run(cmd)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == exitReject {
			return nil, capability.DataError("%s", primaryOutput(res))
		}
		return nil, capability.FatalError("command failed: %v: %s", err, primaryOutput(res))
	}

	var reply record.Record
	if err := json.Unmarshal([]byte(res.stdout), &reply); err != nil {
		return nil, capability.DataError("command output is not a JSON object: %v", err)
	}
	if s.replace {
		return reply, nil
	}
	return record.Merge(rec, reply), nil
}

type result struct {
	stdout string
	stderr string
}

func run(cmd *exec.Cmd) (result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return result{
		stdout: strings.TrimSpace(stdout.String()),
		stderr: strings.TrimSpace(stderr.String()),
	}, err
}

// primaryOutput returns stderr if present, otherwise stdout.
func primaryOutput(res result) string {
	if res.stderr != "" {
		return res.stderr
	}
	return res.stdout
}

func determineShell(explicit string) (string, []string, error) {
	if explicit != "" {
		return explicit, []string{"-c"}, nil
	}
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C"}, nil
	}
	if path, err := exec.LookPath("bash"); err == nil {
		return path, []string{"-c"}, nil
	}
	if path, err := exec.LookPath("sh"); err == nil {
		return path, []string{"-c"}, nil
	}
	return "", nil, fmt.Errorf("no suitable shell found")
}

func buildEnv(custom map[string]string) []string {
	env := os.Environ()
	for k, v := range custom {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
