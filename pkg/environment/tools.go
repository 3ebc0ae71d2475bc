package environment

import "github.com/codeready-toolchain/codebot/pkg/llm"

// Tool names exposed to the model during execution.
const (
	ToolExecuteCommand = "execute_command"
	ToolTextEditor     = "text_editor"
)

// Tools returns the tool surface of a prepared container in provider
// schema form.
func Tools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        ToolExecuteCommand,
			Description: "Run a shell command inside the task container and return exit code, stdout and stderr. Long output is tail-truncated.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "Shell command to run via sh -c.",
					},
					"working_dir": map[string]any{
						"type":        "string",
						"description": "Directory to run in. Defaults to the project root.",
					},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        ToolTextEditor,
			Description: "View and edit files in the task container. Commands: view, create, str_replace (old_str must match exactly once), insert, undo_edit.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type": "string",
						"enum": []string{"view", "create", "str_replace", "insert", "undo_edit"},
					},
					"path": map[string]any{
						"type":        "string",
						"description": "Absolute path inside the container.",
					},
					"view_range": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "integer"},
						"description": "Optional [start, end] line range for view.",
					},
					"file_text": map[string]any{
						"type":        "string",
						"description": "Full file content for create.",
					},
					"old_str": map[string]any{
						"type":        "string",
						"description": "Exact text to replace for str_replace.",
					},
					"new_str": map[string]any{
						"type":        "string",
						"description": "Replacement text for str_replace, or text to insert.",
					},
					"insert_line": map[string]any{
						"type":        "integer",
						"description": "Line number to insert after.",
					},
				},
				"required": []string{"command", "path"},
			},
		},
	}
}
