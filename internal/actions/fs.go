package actions

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

const defaultMaxReadSize = 50 * 1024 * 1024 // 50MB

// FSConfig configures the fs plugin. Root confines every path: access outside
// it is rejected.
type FSConfig struct {
	Root        string
	MaxReadSize int64
}

// FSActions returns the actions of the "fs" plugin: read, write, list, stat.
func FSActions(cfg FSConfig) []Action {
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = defaultMaxReadSize
	}
	return []Action{
		&fsReadAction{cfg: cfg},
		&fsWriteAction{cfg: cfg},
		&fsListAction{cfg: cfg},
		&fsStatAction{cfg: cfg},
	}
}

// resolvePath joins a relative path against the root and rejects escapes.
func resolvePath(cfg FSConfig, params map[string]any) (string, error) {
	p := stringParam(params, "path", "")
	if p == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "fs: path is required")
	}
	root := cfg.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(filepath.Join(root, p))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "fs: invalid path %q", p)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "fs: invalid root").WithCause(err)
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "fs: path %q escapes the configured root", p)
	}
	return abs, nil
}

type fsReadAction struct{ cfg FSConfig }

func (a *fsReadAction) Name() string        { return "read" }
func (a *fsReadAction) Description() string { return "read a file as text" }

func (a *fsReadAction) Execute(_ context.Context, params map[string]any) (any, error) {
	path, err := resolvePath(a.cfg, params)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "fs: %q not found", path).WithCause(err)
	}
	if info.Size() > a.cfg.MaxReadSize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"fs: %q exceeds max read size (%d bytes)", path, a.cfg.MaxReadSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "fs: failed to read %q", path).WithCause(err)
	}
	return map[string]any{"path": path, "content": string(data), "size": info.Size()}, nil
}

type fsWriteAction struct{ cfg FSConfig }

func (a *fsWriteAction) Name() string        { return "write" }
func (a *fsWriteAction) Description() string { return "write text content to a file" }

func (a *fsWriteAction) Execute(_ context.Context, params map[string]any) (any, error) {
	path, err := resolvePath(a.cfg, params)
	if err != nil {
		return nil, err
	}
	content, ok := params["content"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "fs: content must be a string")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "fs: failed to create parent of %q", path).WithCause(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "fs: failed to write %q", path).WithCause(err)
	}
	return map[string]any{"path": path, "bytes_written": len(content)}, nil
}

type fsListAction struct{ cfg FSConfig }

func (a *fsListAction) Name() string        { return "list" }
func (a *fsListAction) Description() string { return "list directory entries" }

func (a *fsListAction) Execute(_ context.Context, params map[string]any) (any, error) {
	path, err := resolvePath(a.cfg, params)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "fs: cannot list %q", path).WithCause(err)
	}
	names := make([]any, 0, len(entries))
	for _, e := range entries {
		names = append(names, map[string]any{"name": e.Name(), "is_dir": e.IsDir()})
	}
	sort.Slice(names, func(i, j int) bool {
		return names[i].(map[string]any)["name"].(string) < names[j].(map[string]any)["name"].(string)
	})
	return map[string]any{"path": path, "entries": names}, nil
}

type fsStatAction struct{ cfg FSConfig }

func (a *fsStatAction) Name() string        { return "stat" }
func (a *fsStatAction) Description() string { return "file metadata" }

func (a *fsStatAction) Execute(_ context.Context, params map[string]any) (any, error) {
	path, err := resolvePath(a.cfg, params)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "fs: %q not found", path).WithCause(err)
	}
	return map[string]any{
		"path":        path,
		"size":        info.Size(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		"is_dir":      info.IsDir(),
	}, nil
}
