package planner

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/codebot/pkg/environment"
	"github.com/codeready-toolchain/codebot/pkg/llm"
)

// SetupRepairer turns a failed environment-setup command into a
// corrected command list via a single-turn LLM call. It implements
// environment.SetupRepairer.
type SetupRepairer struct {
	llm llm.Client
}

// NewSetupRepairer wires the repairer to an LLM client.
func NewSetupRepairer(client llm.Client) *SetupRepairer {
	return &SetupRepairer{llm: client}
}

type repairedCommands struct {
	Commands []string `json:"commands"`
}

// RepairSetup asks for a replacement command list. The failed command's
// output rides along so the model can see the actual resolver error.
func (r *SetupRepairer) RepairSetup(ctx context.Context, failed string, result *environment.ExecResult, remaining []string) ([]string, error) {
	output := ""
	exitCode := 0
	if result != nil {
		exitCode = result.ExitCode
		output = result.Stderr
		if output == "" {
			output = result.Stdout
		}
	}

	reply, err := r.llm.Summarize(ctx, repairPrompt(failed, exitCode, output, remaining))
	if err != nil {
		return nil, err
	}
	parsed, err := llm.ParseStructured[repairedCommands](reply)
	if err != nil {
		return nil, fmt.Errorf("repair response unparseable: %w", err)
	}
	if len(parsed.Commands) == 0 {
		return nil, fmt.Errorf("repair response contained no commands")
	}
	return parsed.Commands, nil
}
