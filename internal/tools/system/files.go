package system

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jkaninda/opsgate/internal/tools"
)

var fileOperations = []string{"list", "create", "delete", "copy", "move", "permissions"}

// FileTool performs filesystem operations in-process.
type FileTool struct {
	logger *slog.Logger
}

func (t *FileTool) Name() string { return ToolFileOperations }
func (t *FileTool) Description() string {
	return "List, create, delete, copy or move files and directories, or change permissions. " +
		"A create path ending in / makes a directory."
}
func (t *FileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation":   enumProp("Operation to perform", fileOperations...),
			"path":        stringProp("Target file or directory"),
			"target":      stringProp("Destination path for copy and move"),
			"content":     stringProp("Content for a created file"),
			"permissions": stringProp("Octal mode for permissions, e.g. 0644"),
			"recursive":   map[string]any{"type": "boolean", "description": "Apply to directory contents", "default": false},
		},
		"required": []string{"operation", "path"},
	}
}

func (t *FileTool) Validate(params map[string]any) error {
	op, err := requireString(params, "operation")
	if err != nil {
		return err
	}
	if !oneOf(op, fileOperations...) {
		return fmt.Errorf("invalid operation %q", op)
	}
	if _, err := requireString(params, "path"); err != nil {
		return err
	}
	if _, err := optionalBool(params, "recursive"); err != nil {
		return err
	}
	if _, err := optionalString(params, "content", ""); err != nil {
		return err
	}
	switch op {
	case "copy", "move":
		if _, err := requireString(params, "target"); err != nil {
			return err
		}
	case "permissions":
		mode, err := requireString(params, "permissions")
		if err != nil {
			return err
		}
		if _, err := parseMode(mode); err != nil {
			return err
		}
	}
	return nil
}

func (t *FileTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	op, _ := requireString(params, "operation")
	rawPath, _ := requireString(params, "path")
	recursive, _ := optionalBool(params, "recursive")

	path := filepath.Clean(rawPath)
	t.logger.InfoContext(ctx, "file operation",
		slog.String("operation", op),
		slog.String("path", path),
	)

	var (
		out string
		err error
	)
	switch op {
	case "list":
		out, err = listDir(path)
	case "create":
		content, _ := optionalString(params, "content", "")
		out, err = create(rawPath, content)
	case "delete":
		out, err = remove(path, recursive)
	case "copy":
		target, _ := requireString(params, "target")
		out, err = copyPath(path, filepath.Clean(target), recursive)
	case "move":
		target, _ := requireString(params, "target")
		err = os.Rename(path, filepath.Clean(target))
		out = fmt.Sprintf("moved %s to %s", path, target)
	case "permissions":
		raw, _ := requireString(params, "permissions")
		mode, _ := parseMode(raw)
		out, err = chmod(path, mode, recursive)
	}
	if err != nil {
		return &tools.Result{Output: err.Error(), IsError: true}, nil
	}
	return &tools.Result{Output: out}, nil
}

func listDir(path string) (string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "%s %10d %s %s\n", info.Mode(), info.Size(), info.ModTime().Format("2006-01-02 15:04"), e.Name())
	}
	fmt.Fprintf(&sb, "%d entries", len(entries))
	return sb.String(), nil
}

func create(rawPath, content string) (string, error) {
	if strings.HasSuffix(rawPath, "/") {
		if err := os.MkdirAll(rawPath, 0o755); err != nil {
			return "", err
		}
		return "created directory " + filepath.Clean(rawPath), nil
	}
	path := filepath.Clean(rawPath)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return "created file " + path, nil
}

func remove(path string, recursive bool) (string, error) {
	if path == "/" {
		return "", fmt.Errorf("refusing to delete /")
	}
	var err error
	if recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return "", err
	}
	return "deleted " + path, nil
}

func copyPath(src, dst string, recursive bool) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
			return "", err
		}
		return fmt.Sprintf("copied %s to %s", src, dst), nil
	}
	if !recursive {
		return "", fmt.Errorf("%s is a directory; set recursive to copy it", src)
	}
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, fi.Mode().Perm())
		}
		return copyFile(p, target, fi.Mode().Perm())
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("copied %s to %s", src, dst), nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func chmod(path string, mode fs.FileMode, recursive bool) (string, error) {
	if !recursive {
		if err := os.Chmod(path, mode); err != nil {
			return "", err
		}
		return fmt.Sprintf("set mode %04o on %s", mode, path), nil
	}
	err := filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Chmod(p, mode)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("set mode %04o on %s recursively", mode, path), nil
}

func parseMode(s string) (fs.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0o7777 {
		return 0, fmt.Errorf("invalid permissions %q: expected octal mode like 0644", s)
	}
	return fs.FileMode(v), nil
}
