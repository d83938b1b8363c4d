package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	maxReadBytes     = 256 << 10 // per read_file call
	maxSearchResults = 50
)

// Tool is one registered agent capability. Confirm marks tools that must
// be approved by the operator before running.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Confirm     bool
	Run         func(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry holds the tool set exposed to the planner.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any previous one with the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe renders the tool catalog for the planner prompt.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, name := range r.Names() {
		t := r.tools[name]
		fmt.Fprintf(&b, "- %s%s: %s\n  parameters: %s\n",
			t.Name, confirmTag(t), t.Description, t.Schema)
	}
	return b.String()
}

func confirmTag(t *Tool) string {
	if t.Confirm {
		return " (requires confirmation)"
	}
	return ""
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required string argument %q", key)
	}
	return v, nil
}

// BuiltinTools registers the standard file and git tool set, sandboxed
// to the workspace.
func BuiltinTools(ws *Workspace) *Registry {
	r := NewRegistry()

	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read a file from the workspace",
		Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		Run: func(_ context.Context, args map[string]interface{}) (string, error) {
			rel, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			path, err := ws.Resolve(rel)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			if len(data) > maxReadBytes {
				data = data[:maxReadBytes]
			}
			return string(data), nil
		},
	})

	r.Register(&Tool{
		Name:        "write_file",
		Description: "Create or overwrite a file in the workspace",
		Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		Confirm:     true,
		Run: func(_ context.Context, args map[string]interface{}) (string, error) {
			rel, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			content, ok := args["content"].(string)
			if !ok {
				return "", fmt.Errorf("missing required string argument %q", "content")
			}
			path, err := ws.Resolve(rel)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
		},
	})

	r.Register(&Tool{
		Name:        "delete_file",
		Description: "Delete a file from the workspace",
		Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		Confirm:     true,
		Run: func(_ context.Context, args map[string]interface{}) (string, error) {
			rel, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			path, err := ws.Resolve(rel)
			if err != nil {
				return "", err
			}
			if err := os.Remove(path); err != nil {
				return "", err
			}
			return "deleted " + rel, nil
		},
	})

	r.Register(&Tool{
		Name:        "list_dir",
		Description: "List a workspace directory",
		Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		Run: func(_ context.Context, args map[string]interface{}) (string, error) {
			rel, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			path, err := ws.Resolve(rel)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					fmt.Fprintf(&b, "%s/\n", e.Name())
				} else {
					fmt.Fprintf(&b, "%s\n", e.Name())
				}
			}
			return b.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "search_text",
		Description: "Search workspace files for a substring",
		Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		Run: func(_ context.Context, args map[string]interface{}) (string, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return "", err
			}
			return searchWorkspace(ws, query)
		},
	})

	r.Register(&Tool{
		Name:        "git_status",
		Description: "Show git status of the workspace",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
		Run: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			return runGit(ctx, ws, "status", "--porcelain", "--branch")
		},
	})

	r.Register(&Tool{
		Name:        "git_commit",
		Description: "Stage all changes and commit with a message",
		Schema:      json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
		Confirm:     true,
		Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
			msg, err := stringArg(args, "message")
			if err != nil {
				return "", err
			}
			if _, err := runGit(ctx, ws, "add", "-A"); err != nil {
				return "", err
			}
			return runGit(ctx, ws, "commit", "-m", msg)
		},
	})

	return r
}

func searchWorkspace(ws *Workspace, query string) (string, error) {
	var b strings.Builder
	matches := 0
	err := filepath.WalkDir(ws.Root(), func(path string, d os.DirEntry, err error) error {
		if err != nil || matches >= maxSearchResults {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != ws.Root() {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Search skipping unreadable file")
			return nil
		}
		rel, _ := filepath.Rel(ws.Root(), path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
				matches++
				if matches >= maxSearchResults {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if matches == 0 {
		return "no matches", nil
	}
	return b.String(), nil
}

func runGit(ctx context.Context, ws *Workspace, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", ws.Root()}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w\n%s", args[0], err, out)
	}
	return string(out), nil
}
