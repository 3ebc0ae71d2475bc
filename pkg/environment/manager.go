// Package environment provisions the disposable container each task runs
// in, and scopes command execution and file editing to it. Containers are
// driven through the docker CLI; nothing here talks to the daemon socket
// directly.
package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/config"
)

const (
	containerPrefix  = "coding-agent-exec-"
	projectDir       = "/workspace/project"
	managedLabel     = "codebot.managed=true"
	defaultExecLimit = 1800 * time.Second
)

// ContainerName returns the container name for a task uuid.
func ContainerName(uuid string) string { return containerPrefix + uuid }

// ExecResult is the outcome of one in-container command.
type ExecResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

// ContainerRecord describes a prepared execution environment.
type ContainerRecord struct {
	UUID    string
	Name    string
	EnvName string
	Image   string
	Workdir string
	Ready   bool

	editor *Editor
}

// CloneSpec says what to clone into the container workspace.
type CloneSpec struct {
	URL    string // https clone URL without credentials
	Branch string // optional; PR/MR source branch
	Token  string // short-lived credential, injected into the URL only
}

// runner abstracts the docker CLI for tests.
type runner interface {
	Run(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error)
}

type cliRunner struct{}

func (cliRunner) Run(ctx context.Context, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	stdout, stderr := outBuf.String(), errBuf.String()
	if err == nil {
		return stdout, stderr, 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout, stderr, exitErr.ExitCode(), nil
	}
	return stdout, stderr, -1, err
}

// Manager provisions and tears down task containers.
type Manager struct {
	cfg   config.CommandExecutorConfig
	cli   runner
	now   func() time.Time
	sleep func(time.Duration) <-chan time.Time
}

// NewManager creates a container manager.
func NewManager(cfg config.CommandExecutorConfig) *Manager {
	return &Manager{cfg: cfg, cli: cliRunner{}, now: time.Now, sleep: time.After}
}

// Prepare provisions the container for a task: image selection with
// default-environment fallback, removal of any stale container with the
// same name, resource-limited start, shallow clone, and dependency
// install. The editor daemon is started separately by StartEditor.
func (m *Manager) Prepare(ctx context.Context, uuid, envName string, clone CloneSpec) (*ContainerRecord, error) {
	name, image := m.cfg.ImageFor(envName)
	if image == "" {
		return nil, fmt.Errorf("no image configured for environment %q or the default", envName)
	}
	containerName := ContainerName(uuid)

	// A crashed prior attempt may have left its container behind.
	if _, _, _, err := m.cli.Run(ctx, "rm", "-f", containerName); err != nil {
		return nil, fmt.Errorf("failed to remove pre-existing container: %w", err)
	}

	runArgs := []string{
		"run", "-d",
		"--name", containerName,
		"--label", managedLabel,
	}
	if m.cfg.Docker.CPULimit != "" {
		runArgs = append(runArgs, "--cpus", m.cfg.Docker.CPULimit)
	}
	if m.cfg.Docker.MemoryLimit != "" {
		runArgs = append(runArgs, "--memory", m.cfg.Docker.MemoryLimit)
	}
	if !m.cfg.Docker.Network.ExternalAccess {
		runArgs = append(runArgs, "--network", "none")
	}
	runArgs = append(runArgs, image, "sleep", "infinity")

	if _, stderr, code, err := m.cli.Run(ctx, runArgs...); err != nil || code != 0 {
		if err == nil {
			err = fmt.Errorf("docker run exited %d: %s", code, strings.TrimSpace(stderr))
		}
		return nil, fmt.Errorf("failed to start container %s: %w", containerName, err)
	}

	rec := &ContainerRecord{
		UUID:    uuid,
		Name:    containerName,
		EnvName: name,
		Image:   image,
		Workdir: projectDir,
	}

	if clone.URL != "" {
		if err := m.cloneRepo(ctx, rec, clone); err != nil {
			m.removeContainer(context.WithoutCancel(ctx), containerName)
			return nil, err
		}
		if m.cfg.Clone.AutoInstallDeps {
			m.installDependencies(ctx, rec)
		}
	}

	rec.Ready = true
	return rec, nil
}

// cloneRepo clones into /workspace/project with the credential embedded
// in the URL for the single git invocation. The credential never appears
// in logs or error text.
func (m *Manager) cloneRepo(ctx context.Context, rec *ContainerRecord, clone CloneSpec) error {
	cloneURL, err := authenticatedURL(clone.URL, clone.Token)
	if err != nil {
		return err
	}

	args := []string{"clone"}
	if m.cfg.Clone.Shallow {
		depth := m.cfg.Clone.Depth
		if depth <= 0 {
			depth = 1
		}
		args = append(args, "--depth", fmt.Sprint(depth))
	}
	if clone.Branch != "" {
		args = append(args, "--branch", clone.Branch)
	}
	args = append(args, cloneURL, projectDir)

	res, err := m.execRaw(ctx, rec.Name, "/workspace", "git "+shellJoin(args))
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git clone exited %d: %s", res.ExitCode, redact(res.Stderr, clone.Token))
	}
	slog.Info("Repository cloned", "container", rec.Name, "branch", clone.Branch)
	return nil
}

// ExecuteCommand runs cmd inside the container under the configured
// timeout. Timeout yields exit code -1. Output is tail-truncated to
// max_output_size.
func (m *Manager) ExecuteCommand(ctx context.Context, rec *ContainerRecord, cmd, workingDir string) (*ExecResult, error) {
	if workingDir == "" {
		workingDir = rec.Workdir
	}
	return m.execRaw(ctx, rec.Name, workingDir, cmd)
}

func (m *Manager) execRaw(ctx context.Context, container, workingDir, cmd string) (*ExecResult, error) {
	timeout := defaultExecLimit
	if m.cfg.Execution.TimeoutSeconds > 0 {
		timeout = time.Duration(m.cfg.Execution.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := m.now()
	stdout, stderr, code, err := m.cli.Run(execCtx,
		"exec", "-w", workingDir, container, "sh", "-c", cmd)
	duration := m.now().Sub(start)

	res := &ExecResult{
		ExitCode:   code,
		Stdout:     truncateTail(stdout, m.maxOutput()),
		Stderr:     truncateTail(stderr, m.maxOutput()),
		DurationMS: duration.Milliseconds(),
	}
	if execCtx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("docker exec failed: %w", err)
	}
	return res, nil
}

// Cleanup stops the editor daemon and force-removes the container,
// retrying the removal up to 3 times.
func (m *Manager) Cleanup(ctx context.Context, rec *ContainerRecord) error {
	if rec.editor != nil {
		rec.editor.Close()
		rec.editor = nil
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.sleep(time.Second * time.Duration(attempt)):
			}
		}
		_, stderr, code, err := m.cli.Run(ctx, "rm", "-f", rec.Name)
		if err == nil && code == 0 {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("docker rm exited %d: %s", code, strings.TrimSpace(stderr))
		}
		lastErr = err
	}
	return fmt.Errorf("failed to remove container %s: %w", rec.Name, lastErr)
}

// CleanupStale removes every coding-agent container at least
// stale_threshold_hours old. Idempotent; safe to run from producer or
// consumer after a crash.
func (m *Manager) CleanupStale(ctx context.Context) (int, error) {
	stdout, _, code, err := m.cli.Run(ctx,
		"ps", "-a", "--filter", "name="+containerPrefix, "--format", "{{.Names}}")
	if err != nil || code != 0 {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	threshold := time.Duration(m.cfg.Cleanup.StaleThresholdHours) * time.Hour
	if threshold <= 0 {
		threshold = 24 * time.Hour
	}

	removed := 0
	for _, name := range strings.Fields(stdout) {
		createdRaw, _, inspectCode, err := m.cli.Run(ctx,
			"inspect", "-f", "{{.Created}}", name)
		if err != nil || inspectCode != 0 {
			continue
		}
		created, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(createdRaw))
		if err != nil {
			continue
		}
		if m.now().Sub(created) < threshold {
			continue
		}
		if _, _, rmCode, err := m.cli.Run(ctx, "rm", "-f", name); err == nil && rmCode == 0 {
			slog.Info("Removed stale container", "container", name)
			removed++
		}
	}
	return removed, nil
}

func (m *Manager) removeContainer(ctx context.Context, name string) {
	if _, _, _, err := m.cli.Run(ctx, "rm", "-f", name); err != nil {
		slog.Warn("Failed to remove container", "container", name, "error", err)
	}
}

func (m *Manager) maxOutput() int {
	if m.cfg.Execution.MaxOutputSize > 0 {
		return m.cfg.Execution.MaxOutputSize
	}
	return 1 << 20
}

// authenticatedURL embeds the token as the URL userinfo.
func authenticatedURL(rawURL, token string) (string, error) {
	if token == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("unparseable clone URL: %w", err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

// redact removes the credential from text destined for logs or errors.
func redact(text, token string) string {
	if token == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, token, "***"))
}

// truncateTail keeps the last max bytes: the end of a long build log is
// what matters.
func truncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "...[truncated]...\n" + s[len(s)-max:]
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"'$`\\") {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}
