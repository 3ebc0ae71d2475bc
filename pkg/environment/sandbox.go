package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/codebot/pkg/llm"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

// Sandbox binds a task's container to the tool surface the coordinator
// dispatches into. It is created unprovisioned; Provision runs once the
// plan has selected an environment.
type Sandbox struct {
	manager  *Manager
	uuid     string
	clone    CloneSpec
	repairer SetupRepairer

	rec *ContainerRecord
}

// NewSandbox creates the sandbox for one task. Nothing is started until
// Provision.
func NewSandbox(manager *Manager, uuid string, clone CloneSpec, repairer SetupRepairer) *Sandbox {
	return &Sandbox{manager: manager, uuid: uuid, clone: clone, repairer: repairer}
}

// Provision starts the container for the selected environment, runs the
// setup sub-phase, and attaches the editor daemon. A failed editor start
// is degraded, not fatal: execute_command still works.
func (s *Sandbox) Provision(ctx context.Context, env models.SelectedEnvironment) (*SetupResult, error) {
	rec, err := s.manager.Prepare(ctx, s.uuid, env.Name, s.clone)
	if err != nil {
		return nil, err
	}
	s.rec = rec

	if _, err := s.manager.StartEditor(ctx, rec); err != nil {
		slog.Warn("Editor daemon unavailable", "container", rec.Name, "error", err)
	}

	return s.manager.RunSetup(ctx, rec, env, s.repairer), nil
}

// Tools returns the tool definitions for the execution phase.
func (s *Sandbox) Tools() []llm.Tool {
	return Tools()
}

// Dispatch routes one tool call into the container and returns the text
// fed back to the model.
func (s *Sandbox) Dispatch(ctx context.Context, name string, args map[string]any) (string, error) {
	if s.rec == nil || !s.rec.Ready {
		return "", fmt.Errorf("sandbox not provisioned")
	}
	switch name {
	case ToolExecuteCommand:
		return s.dispatchExec(ctx, args)
	case ToolTextEditor:
		return s.dispatchEditor(ctx, args)
	}
	return "", fmt.Errorf("unknown tool %q", name)
}

func (s *Sandbox) dispatchExec(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return "", fmt.Errorf("execute_command requires a command")
	}
	workingDir, _ := args["working_dir"].(string)

	res, err := s.manager.ExecuteCommand(ctx, s.rec, command, workingDir)
	if err != nil {
		return "", err
	}
	rendered, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(rendered), nil
}

func (s *Sandbox) dispatchEditor(ctx context.Context, args map[string]any) (string, error) {
	if s.rec.editor == nil {
		return "", fmt.Errorf("editor daemon is not running")
	}
	command, _ := args["command"].(string)
	path, _ := args["path"].(string)

	rest := make(map[string]any, len(args))
	for k, v := range args {
		if k == "command" || k == "path" {
			continue
		}
		rest[k] = v
	}
	return s.rec.editor.Call(ctx, command, path, rest)
}

// Close tears down the container. Safe to call before Provision.
func (s *Sandbox) Close(ctx context.Context) error {
	if s.rec == nil {
		return nil
	}
	err := s.manager.Cleanup(ctx, s.rec)
	s.rec = nil
	return err
}
