package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
)

const (
	toolListFiles = "list_files"
	toolReadFile  = "read_file"

	maxReadBytes = 64 << 10
	maxListItems = 500
)

// toolSpec describes one workspace tool to a model.
type toolSpec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

var workspaceTools = []toolSpec{
	{
		Name:        toolListFiles,
		Description: "List files in the workspace, optionally under a sub-directory.",
		Properties: map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory relative to the workspace root. Defaults to the root."},
		},
	},
	{
		Name:        toolReadFile,
		Description: "Read a text file from the workspace.",
		Properties: map[string]any{
			"path": map[string]any{"type": "string", "description": "File path relative to the workspace root."},
		},
		Required: []string{"path"},
	},
}

// runTool executes a read-only workspace tool. The returned bool reports a
// tool-level failure which is passed back to the model, not raised.
func runTool(workspaceDir, name string, input json.RawMessage) (string, bool) {
	var args struct {
		Path string `json:"path"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "invalid tool input: " + err.Error(), true
		}
	}

	root, err := os.OpenRoot(workspaceDir)
	if err != nil {
		return "workspace unavailable: " + err.Error(), true
	}
	defer root.Close()

	path := strings.TrimPrefix(args.Path, "/")
	if path == "" {
		path = "."
	}

	switch name {
	case toolListFiles:
		out, err := listFiles(root, path)
		if err != nil {
			return err.Error(), true
		}
		return out, false
	case toolReadFile:
		out, err := readFile(root, path)
		if err != nil {
			return err.Error(), true
		}
		return out, false
	default:
		return fmt.Sprintf("unknown tool %q", name), true
	}
}

func listFiles(root *os.Root, dir string) (string, error) {
	var names []string
	err := fs.WalkDir(root.FS(), dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if len(names) >= maxListItems {
			return fs.SkipAll
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		names = append(names, p)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(no files)", nil
	}
	return strings.Join(names, "\n"), nil
}

func readFile(root *os.Root, path string) (string, error) {
	f, err := root.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		var pe *fs.PathError
		if errors.As(err, &pe) {
			return "", fmt.Errorf("read %s: %w", path, pe.Err)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}
