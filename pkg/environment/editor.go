package environment

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/codebot/pkg/version"
)

const (
	// defaultEditorCommand is the stdio MCP server expected to be present
	// on the PATH of every configured image.
	defaultEditorCommand = "text-editor-mcp"

	editorInitTimeout = 30 * time.Second
	editorCallTimeout = 60 * time.Second
)

// editorCommands are the sub-commands the in-container editor daemon
// accepts.
var editorCommands = map[string]bool{
	"view":        true,
	"create":      true,
	"str_replace": true,
	"insert":      true,
	"undo_edit":   true,
}

// Editor drives the text-editor daemon running inside a task container.
// The daemon is an MCP stdio server spawned over `docker exec -i`, so the
// session lives exactly as long as the exec process.
type Editor struct {
	container string
	session   *mcpsdk.ClientSession
}

// StartEditor launches the editor daemon in the container and attaches an
// MCP session to it. Call once per prepared container; Cleanup closes it.
func (m *Manager) StartEditor(ctx context.Context, rec *ContainerRecord) (*Editor, error) {
	if rec.editor != nil {
		return rec.editor, nil
	}
	if !rec.Ready {
		return nil, fmt.Errorf("container %s is not ready", rec.Name)
	}

	command := m.cfg.EditorCommand
	if command == "" {
		command = defaultEditorCommand
	}

	cmd := exec.Command("docker", "exec", "-i", "-w", rec.Workdir, rec.Name, command)
	transport := &mcpsdk.CommandTransport{Command: cmd}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	initCtx, cancel := context.WithTimeout(ctx, editorInitTimeout)
	defer cancel()

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		if closer, ok := mcpsdk.Transport(transport).(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("failed to start editor daemon in %s: %w", rec.Name, err)
	}

	rec.editor = &Editor{container: rec.Name, session: session}
	return rec.editor, nil
}

// Call runs one editor command (view, create, str_replace, insert,
// undo_edit) and returns the daemon's text output. Daemon-reported errors
// come back as a normal error with the daemon's message.
func (e *Editor) Call(ctx context.Context, command, path string, args map[string]any) (string, error) {
	if !editorCommands[command] {
		return "", fmt.Errorf("unknown editor command %q", command)
	}

	merged := map[string]any{"command": command, "path": path}
	for k, v := range args {
		merged[k] = v
	}

	opCtx, cancel := context.WithTimeout(ctx, editorCallTimeout)
	defer cancel()

	result, err := e.session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      "text_editor",
		Arguments: merged,
	})
	if err != nil {
		return "", fmt.Errorf("editor %s failed in %s: %w", command, e.container, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("editor %s: %s", command, text)
	}
	return text, nil
}

// Close tears down the MCP session, which terminates the docker exec
// process and the daemon with it.
func (e *Editor) Close() {
	if e.session != nil {
		_ = e.session.Close()
		e.session = nil
	}
}

func flattenContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
