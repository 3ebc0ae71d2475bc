package environment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/models"
)

const maxRepairRounds = 3

var transientBackoffs = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// SetupRepairer asks the LLM for a corrected command list after a
// repairable setup failure. It receives the failed command, its output,
// and the commands that were still pending, and returns the replacement
// list to execute from here on.
type SetupRepairer interface {
	RepairSetup(ctx context.Context, failed string, result *ExecResult, remaining []string) ([]string, error)
}

// SetupResult records the outcome of the environment-setup sub-phase.
type SetupResult struct {
	Ready        bool     `json:"ready"`
	RepairRounds int      `json:"repair_rounds"`
	Commands     []string `json:"commands"`
	FailedStep   string   `json:"failed_step,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// failureKind classifies a non-zero setup command exit.
type failureKind int

const (
	failureTransient failureKind = iota
	failureRepairable
	failureFatal
)

// RunSetup executes the plan's setup commands in order, then its
// verification checks. Transient failures retry with 5/10/20 s backoff;
// repairable failures get an LLM-corrected command list, bounded by 3
// repair rounds total; fatal failures end the sub-phase with Ready=false
// so execution can proceed degraded.
func (m *Manager) RunSetup(ctx context.Context, rec *ContainerRecord, env models.SelectedEnvironment, repairer SetupRepairer) *SetupResult {
	res := &SetupResult{}

	commands := append([]string(nil), env.SetupCommands...)
	for i := 0; i < len(commands); i++ {
		cmd := commands[i]
		res.Commands = append(res.Commands, cmd)

		out, kind := m.runSetupCommand(ctx, rec, cmd)
		if out != nil && out.ExitCode == 0 {
			continue
		}

		switch kind {
		case failureRepairable:
			repaired, ok := m.repairCommands(ctx, res, repairer, cmd, out, commands[i+1:])
			if !ok {
				res.FailedStep = cmd
				res.Reason = setupFailureReason(out)
				return res
			}
			// Replace the remainder of the list with the corrected one.
			commands = append(commands[:i+1], repaired...)
		default:
			res.FailedStep = cmd
			res.Reason = setupFailureReason(out)
			return res
		}
	}

	for i := 0; i < len(env.Verification); i++ {
		check := env.Verification[i]
		out, err := m.ExecuteCommand(ctx, rec, check.Command, "")
		if err != nil {
			res.FailedStep = check.Command
			res.Reason = err.Error()
			return res
		}
		if verificationPassed(check, out) {
			continue
		}

		repaired, ok := m.repairCommands(ctx, res, repairer, check.Command, out, nil)
		if !ok {
			res.FailedStep = check.Command
			res.Reason = fmt.Sprintf("verification mismatch: want %q, got %q (exit %d)",
				check.ExpectedOutput, strings.TrimRight(out.Stdout, "\n"), out.ExitCode)
			return res
		}
		for _, cmd := range repaired {
			fix, _ := m.runSetupCommand(ctx, rec, cmd)
			res.Commands = append(res.Commands, cmd)
			if fix == nil || fix.ExitCode != 0 {
				res.FailedStep = cmd
				res.Reason = setupFailureReason(fix)
				return res
			}
		}
		// Re-run the same check against the repaired environment.
		i--
	}

	res.Ready = true
	return res
}

// runSetupCommand runs one command with transient-failure retries. The
// returned ExecResult is the last attempt's; kind classifies the final
// failure when the exit code is non-zero.
func (m *Manager) runSetupCommand(ctx context.Context, rec *ContainerRecord, cmd string) (*ExecResult, failureKind) {
	var out *ExecResult
	for attempt := 0; ; attempt++ {
		res, err := m.ExecuteCommand(ctx, rec, cmd, "")
		if err != nil {
			slog.Error("Setup command could not run", "command", cmd, "error", err)
			return nil, failureFatal
		}
		out = res
		if res.ExitCode == 0 {
			return out, failureTransient
		}

		kind := classifySetupFailure(res)
		if kind != failureTransient || attempt >= len(transientBackoffs) {
			return out, kind
		}

		slog.Warn("Setup command failed transiently, retrying",
			"command", cmd, "exit_code", res.ExitCode, "backoff", transientBackoffs[attempt])
		select {
		case <-ctx.Done():
			return out, failureFatal
		case <-m.sleep(transientBackoffs[attempt]):
		}
	}
}

// repairCommands runs one LLM repair round and returns the corrected
// command list. ok is false when the round budget is exhausted, no
// repairer is wired, or the LLM call itself fails.
func (m *Manager) repairCommands(ctx context.Context, res *SetupResult, repairer SetupRepairer, failed string, out *ExecResult, remaining []string) ([]string, bool) {
	if repairer == nil || res.RepairRounds >= maxRepairRounds {
		return nil, false
	}
	res.RepairRounds++

	repaired, err := repairer.RepairSetup(ctx, failed, out, remaining)
	if err != nil {
		slog.Warn("Setup repair round failed", "command", failed, "error", err)
		return nil, false
	}
	slog.Info("Setup commands repaired",
		"failed", failed, "round", res.RepairRounds, "replacement_count", len(repaired))
	return repaired, true
}

// classifySetupFailure buckets a non-zero exit by its output. Timeouts
// (exit -1) and well-known network or lock errors are transient; package
// resolution problems are repairable; everything else is repairable too,
// since giving the LLM a shot costs one bounded round. Docker-level
// failures never reach here (they surface as spawn errors).
func classifySetupFailure(res *ExecResult) failureKind {
	if res.ExitCode == -1 {
		return failureTransient
	}
	combined := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	transientMarkers := []string{
		"connection timed out", "connection refused", "connection reset",
		"temporary failure", "could not resolve", "network is unreachable",
		"could not get lock", "resource temporarily unavailable", "tls handshake timeout",
	}
	for _, marker := range transientMarkers {
		if strings.Contains(combined, marker) {
			return failureTransient
		}
	}
	return failureRepairable
}

// verificationPassed checks exit 0 and exact stdout equality after
// trimming the trailing newline on both sides.
func verificationPassed(check models.VerificationCheck, out *ExecResult) bool {
	if out.ExitCode != 0 {
		return false
	}
	return strings.TrimRight(out.Stdout, "\n") == strings.TrimRight(check.ExpectedOutput, "\n")
}

func setupFailureReason(out *ExecResult) string {
	if out == nil {
		return "command could not be started"
	}
	msg := strings.TrimSpace(out.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(out.Stdout)
	}
	return fmt.Sprintf("exit %d: %s", out.ExitCode, msg)
}
