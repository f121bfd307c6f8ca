// Package worker starts and supervises agent workers. A worker is either
// a container run through the docker (or podman) CLI or a plain
// subprocess; both expose their NDJSON output stream through a Handle.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"
)

// Container resource limits for agent workers.
const (
	memoryLimit = "2g"
	cpuLimit    = "2"
)

// StartSpec describes one worker to launch. Env values may contain
// secrets and must never be logged or placed on a command line.
type StartSpec struct {
	TaskID    string
	AgentType string
	Image     string
	Command   []string
	Env       map[string]string
	Timeout   time.Duration
}

// Handle controls one started worker.
type Handle interface {
	// ID identifies the underlying container or process.
	ID() string
	// Stdout is the worker's event stream. Valid until Wait returns.
	Stdout() io.Reader
	// Wait blocks until the worker exits.
	Wait() error
	// Stop terminates the worker. Safe to call after exit.
	Stop(ctx context.Context) error
	// Remove cleans up worker remnants. Best effort.
	Remove(ctx context.Context) error
}

// Runtime launches workers.
type Runtime interface {
	Start(ctx context.Context, spec StartSpec) (Handle, error)
	// Available reports whether this runtime can launch workers right now.
	Available(ctx context.Context) bool
}

// CLIRuntime runs workers as containers via the docker or podman binary.
// Secrets are passed with bare -e flags so values stay out of the argv
// and travel through the process environment instead.
type CLIRuntime struct {
	Binary string
}

func NewCLIRuntime(binary string) *CLIRuntime {
	if binary == "" {
		binary = "docker"
	}
	return &CLIRuntime{Binary: binary}
}

func (r *CLIRuntime) Available(ctx context.Context) bool {
	if _, err := exec.LookPath(r.Binary); err != nil {
		return false
	}
	return exec.CommandContext(ctx, r.Binary, "info").Run() == nil
}

func (r *CLIRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("agent %s has no image configured", spec.AgentType)
	}
	name := fmt.Sprintf("zenova-agent-%s-%s-%d", spec.AgentType, spec.TaskID, time.Now().UnixMilli())

	args := []string{"run", "--name", name, "--memory", memoryLimit, "--cpus", cpuLimit}
	for _, key := range sortedKeys(spec.Env) {
		args = append(args, "-e", key)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	cmd := exec.Command(r.Binary, args...)
	cmd.Env = append(os.Environ(), envPairs(spec.Env)...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	return &cliHandle{binary: r.Binary, name: name, cmd: cmd, stdout: stdout}, nil
}

type cliHandle struct {
	binary string
	name   string
	cmd    *exec.Cmd
	stdout io.Reader
}

func (h *cliHandle) ID() string        { return h.name }
func (h *cliHandle) Stdout() io.Reader { return h.stdout }
func (h *cliHandle) Wait() error       { return h.cmd.Wait() }

func (h *cliHandle) Stop(ctx context.Context) error {
	return exec.CommandContext(ctx, h.binary, "stop", "-t", "10", h.name).Run()
}

func (h *cliHandle) Remove(ctx context.Context) error {
	return exec.CommandContext(ctx, h.binary, "rm", "-f", h.name).Run()
}

// ProcessRuntime runs workers as local subprocesses. Used when no
// container runtime is available and an agent defines a command.
type ProcessRuntime struct{}

func (ProcessRuntime) Available(ctx context.Context) bool { return true }

func (ProcessRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("agent %s has no command to run", spec.AgentType)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), envPairs(spec.Env)...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	return &processHandle{cmd: cmd, stdout: stdout}, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (h *processHandle) ID() string        { return fmt.Sprintf("pid-%d", h.cmd.Process.Pid) }
func (h *processHandle) Stdout() io.Reader { return h.stdout }
func (h *processHandle) Wait() error       { return h.cmd.Wait() }

func (h *processHandle) Stop(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *processHandle) Remove(ctx context.Context) error { return nil }

// AutoRuntime routes each worker by its spec: agents with an image run
// as containers, command-only agents run as local subprocesses.
type AutoRuntime struct {
	Container Runtime
	Process   Runtime
}

func NewAutoRuntime(binary string) *AutoRuntime {
	return &AutoRuntime{Container: NewCLIRuntime(binary), Process: ProcessRuntime{}}
}

func (r *AutoRuntime) Available(ctx context.Context) bool {
	return r.Process.Available(ctx) || r.Container.Available(ctx)
}

func (r *AutoRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	if spec.Image == "" {
		return r.Process.Start(ctx, spec)
	}
	return r.Container.Start(ctx, spec)
}

func envPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for _, key := range sortedKeys(env) {
		pairs = append(pairs, key+"="+env[key])
	}
	return pairs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
