package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveSandboxPath resolves p against the sandbox root and rejects any
// result that escapes it. Both `..` traversal and absolute-path escapes are
// caught here regardless of how the path was spelled, because the check runs
// on the cleaned absolute result, not the input.
func resolveSandboxPath(root, p string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve sandbox root: %w", err)
	}

	var candidate string
	if filepath.IsAbs(p) {
		candidate = filepath.Clean(p)
	} else {
		candidate = filepath.Join(rootAbs, p)
	}
	candidate, err = filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", p, err)
	}

	if candidate != rootAbs && !strings.HasPrefix(candidate, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves outside the sandbox root", p)
	}
	return candidate, nil
}

// ReadFileTool reads file contents from within the sandbox.
type ReadFileTool struct {
	sandboxRoot string
}

// NewReadFileTool creates a new read_file tool rooted at sandboxRoot.
func NewReadFileTool(sandboxRoot string) *ReadFileTool {
	return &ReadFileTool{sandboxRoot: sandboxRoot}
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string {
	return ToolReadFile
}

// Definition returns the tool definition for the LLM.
func (t *ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReadFile,
		Description: "Read contents of a file from the workspace.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path to the file, relative to the workspace root",
				},
			},
			Required: []string{"path"},
		},
	}
}

// Exec reads the file after sandbox containment is verified.
func (t *ReadFileTool) Exec(_ context.Context, args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}

	resolved, err := resolveSandboxPath(t.sandboxRoot, path)
	if err != nil {
		return nil, refuse(ToolReadFile, "%v", err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return map[string]any{
		"path":    path,
		"content": string(data),
	}, nil
}

// WriteFileTool writes file contents within the sandbox, creating parent
// directories as needed.
type WriteFileTool struct {
	sandboxRoot string
}

// NewWriteFileTool creates a new write_file tool rooted at sandboxRoot.
func NewWriteFileTool(sandboxRoot string) *WriteFileTool {
	return &WriteFileTool{sandboxRoot: sandboxRoot}
}

// Name returns the tool name.
func (t *WriteFileTool) Name() string {
	return ToolWriteFile
}

// Definition returns the tool definition for the LLM.
func (t *WriteFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolWriteFile,
		Description: "Write content to a file in the workspace, creating it if needed.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path to the file, relative to the workspace root",
				},
				"content": {
					Type:        "string",
					Description: "Full content to write",
				},
			},
			Required: []string{"path", "content"},
		},
	}
}

// Exec writes the file after sandbox containment is verified.
func (t *WriteFileTool) Exec(_ context.Context, args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}

	resolved, err := resolveSandboxPath(t.sandboxRoot, path)
	if err != nil {
		return nil, refuse(ToolWriteFile, "%v", err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory for %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return map[string]any{
		"path":    path,
		"written": len(content),
	}, nil
}

// ListDirTool lists directory entries within the sandbox.
type ListDirTool struct {
	sandboxRoot string
}

// NewListDirTool creates a new list_dir tool rooted at sandboxRoot.
func NewListDirTool(sandboxRoot string) *ListDirTool {
	return &ListDirTool{sandboxRoot: sandboxRoot}
}

// Name returns the tool name.
func (t *ListDirTool) Name() string {
	return ToolListDir
}

// Definition returns the tool definition for the LLM.
func (t *ListDirTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolListDir,
		Description: "List entries of a directory in the workspace.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Directory path relative to the workspace root; defaults to the root",
				},
			},
		},
	}
}

// Exec lists the directory after sandbox containment is verified.
func (t *ListDirTool) Exec(_ context.Context, args map[string]any) (map[string]any, error) {
	path := "."
	if raw, exists := args["path"]; exists {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("argument %q must be a string, got %T", "path", raw)
		}
		if s != "" {
			path = s
		}
	}

	resolved, err := resolveSandboxPath(t.sandboxRoot, path)
	if err != nil {
		return nil, refuse(ToolListDir, "%v", err)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return map[string]any{
		"path":    path,
		"entries": names,
	}, nil
}
