package container

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/logging"
)

// maxStderrLen is the maximum stderr length to include in error messages.
const maxStderrLen = 2048

// Exit codes the engine uses when exec cannot start the requested program.
const (
	ExitCannotInvoke = 126
	ExitNotFound     = 127
)

// Engine is a Backend that shells out to the docker or podman CLI.
type Engine struct {
	bin         string
	runner      Runner
	execTimeout time.Duration
	logger      *logging.Logger
}

// Compile-time interface checks
var (
	_ Backend  = (*Engine)(nil)
	_ Streamer = (*Engine)(nil)
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRunner replaces the os/exec runner.
func WithRunner(r Runner) EngineOption {
	return func(e *Engine) { e.runner = r }
}

// WithExecTimeout bounds every non-interactive engine command.
func WithExecTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.execTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine driving the given CLI binary ("docker" or
// "podman", or an absolute path to either).
func NewEngine(bin string, opts ...EngineOption) *Engine {
	e := &Engine{
		bin:         bin,
		runner:      ExecRunner{},
		execTimeout: 30 * time.Second,
		logger:      logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("container").With("engine", bin)
	return e
}

// Binary returns the CLI binary this engine drives.
func (e *Engine) Binary() string { return e.bin }

// DetectEngine resolves preference ("docker", "podman" or "auto") to a
// binary on PATH. "auto" prefers docker.
func DetectEngine(preference string) (string, error) {
	candidates := []string{preference}
	if preference == "" || preference == "auto" {
		candidates = []string{"docker", "podman"}
	}
	for _, c := range candidates {
		if _, err := exec.LookPath(c); err == nil {
			return c, nil
		}
	}
	return "", errors.NewUnavailableError(strings.Join(candidates, "/"), errors.ErrEngineUnavailable)
}

// run executes an engine command under the exec timeout.
func (e *Engine) run(ctx context.Context, args ...string) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()

	out, err := e.runner.Run(ctx, e.bin, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return out, errors.NewTimeoutError(e.bin+" "+args[0], e.execTimeout).WithCause(err)
		}
		return out, err
	}
	return out, nil
}

// CreateAndStart implements Backend.
func (e *Engine) CreateAndStart(ctx context.Context, workspacePath string, spec ImageSpec) (Ref, error) {
	args := runArgs(workspacePath, spec)
	out, err := e.run(ctx, args...)
	if err != nil {
		return Ref{}, err
	}
	if out.ExitCode != 0 {
		return Ref{}, e.classify("run", out)
	}

	id := strings.TrimSpace(lastLine(out.Stdout))
	if id == "" {
		return Ref{}, fmt.Errorf("%s run: no container id in output", e.bin)
	}
	ref := Ref{ID: id, Name: spec.Name}
	e.logger.Info("container started", "container", ref.String(), "image", spec.Image, "workspace", workspacePath)
	return ref, nil
}

// runArgs builds the argument list for "run". Labels are sorted so the
// command line is deterministic.
func runArgs(workspacePath string, spec ImageSpec) []string {
	workdir := spec.Workdir
	if workdir == "" {
		workdir = "/workspace"
	}
	args := []string{"run", "-d", "--init"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}

	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+labels[k])
	}

	args = append(args, "-v", workspacePath+":"+workdir, "-w", workdir)
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.CPUs != "" {
		args = append(args, "--cpus", spec.CPUs)
	}
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}
	return append(args, spec.Image, "sleep", "infinity")
}

// Exec implements Backend.
func (e *Engine) Exec(ctx context.Context, ref Ref, argv []string) (Output, error) {
	args := append([]string{"exec", ref.ID}, argv...)
	out, err := e.run(ctx, args...)
	if err != nil {
		return out, err
	}
	if out.ExitCode != 0 && (isNoSuchContainer(out.Stderr) || strings.Contains(out.Stderr, "is not running")) {
		return out, errors.Wrapf(errors.ErrContainerNotFound, "exec in %s", ref)
	}
	return out, nil
}

// ExecStream implements Streamer.
func (e *Engine) ExecStream(ctx context.Context, ref Ref, argv []string, cols, rows int) (Stream, error) {
	args := append([]string{"exec", "-it", "-e", "TERM=xterm-256color", ref.ID}, argv...)
	return e.runner.StartPTY(ctx, e.bin, args, cols, rows)
}

// StopAndRemove implements Backend. "rm -f" stops and removes in one call.
func (e *Engine) StopAndRemove(ctx context.Context, ref Ref) error {
	out, err := e.run(ctx, "rm", "-f", ref.target())
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		if isNoSuchContainer(out.Stderr) {
			e.logger.Debug("container already gone", "container", ref.String())
			return nil
		}
		return e.classify("rm", out)
	}
	e.logger.Info("container removed", "container", ref.String())
	return nil
}

// IsRunning implements Backend.
func (e *Engine) IsRunning(ctx context.Context, ref Ref) bool {
	out, err := e.run(ctx, "inspect", "-f", "{{.State.Running}}", ref.ID)
	if err != nil || out.ExitCode != 0 {
		return false
	}
	return strings.TrimSpace(out.Stdout) == "true"
}

// ListManaged returns every container carrying the managed label,
// running or not.
func (e *Engine) ListManaged(ctx context.Context) ([]Ref, error) {
	out, err := e.run(ctx, "ps", "-a",
		"--filter", "label="+LabelManaged+"=true",
		"--format", "{{.ID}}\t{{.Names}}")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, e.classify("ps", out)
	}

	var refs []Ref
	for _, line := range strings.Split(strings.TrimSpace(out.Stdout), "\n") {
		if line == "" {
			continue
		}
		id, name, _ := strings.Cut(line, "\t")
		refs = append(refs, Ref{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name)})
	}
	return refs, nil
}

// Ping checks that the engine daemon answers and returns its version.
func (e *Engine) Ping(ctx context.Context) (string, error) {
	out, err := e.run(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", e.classify("version", out)
	}
	return strings.TrimSpace(out.Stdout), nil
}

// classify turns a failed engine command into a typed error.
func (e *Engine) classify(op string, out Output) error {
	stderr := strings.TrimSpace(out.Stderr)
	if len(stderr) > maxStderrLen {
		stderr = stderr[:maxStderrLen] + "..."
	}
	base := fmt.Errorf("%s %s failed (exit %d): %s", e.bin, op, out.ExitCode, stderr)

	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "cannot connect"),
		strings.Contains(lower, "is the docker daemon running"),
		strings.Contains(lower, "connection refused"):
		return errors.NewUnavailableError(e.bin+" daemon", errors.Join(errors.ErrEngineUnavailable, base))
	case isNoSuchContainer(stderr):
		return errors.Join(errors.ErrContainerNotFound, base)
	case strings.Contains(lower, "unable to find image"),
		strings.Contains(lower, "image not known"),
		strings.Contains(lower, "pull access denied"):
		return errors.NewUnavailableError("image", base)
	}
	return base
}

func isNoSuchContainer(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "no such container") ||
		strings.Contains(lower, "no container with name or id")
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
