// Package shellfs implements workspace file primitives on top of shell
// command execution. Backends whose filesystems live behind an exec API
// (remote micro-VMs, fleet machines) compose it with their command runner;
// mutations synthesize file-watch events since no OS watcher can see them.
package shellfs

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/appforge/sandboxd/internal/sandbox"
)

// Runner executes one shell command inside the sandbox.
type Runner func(ctx context.Context, command string) *sandbox.CommandResult

// Emitter receives synthesized file events for mutations.
type Emitter interface {
	Emit(event sandbox.EventType, absPath, projectID string)
}

// FS provides workspace file operations for one project over a Runner.
type FS struct {
	run       Runner
	root      string
	projectID string
	emitter   Emitter
}

// New builds a shell-backed filesystem rooted at the in-sandbox workspace
// directory. emitter may be nil when no watch routing is wanted.
func New(run Runner, root, projectID string, emitter Emitter) *FS {
	return &FS{
		run:       run,
		root:      path.Clean(root),
		projectID: projectID,
		emitter:   emitter,
	}
}

// Quote wraps s in single quotes for safe interpolation into a shell
// command line.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// InstallCommand maps a package manager name to its install command line.
func InstallCommand(pkg, manager string) (string, error) {
	quoted := Quote(pkg)
	switch manager {
	case "pip":
		return "pip install --no-input " + quoted, nil
	case "npm":
		return "npm install " + quoted, nil
	case "apt":
		return "apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y " + quoted, nil
	case "go":
		return "go install " + quoted + "@latest", nil
	default:
		return "", fmt.Errorf("unknown package manager: %s", manager)
	}
}

// resolve maps a workspace-relative path to the in-sandbox absolute path,
// rejecting escapes from the workspace root.
func (f *FS) resolve(rel string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(rel, "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return path.Join(f.root, cleaned), nil
}

func (f *FS) emit(event sandbox.EventType, absPath string) {
	if f.emitter != nil {
		f.emitter.Emit(event, absPath, f.projectID)
	}
}

func (f *FS) exists(ctx context.Context, absPath string) bool {
	return f.run(ctx, "test -e "+Quote(absPath)).Success()
}

// ReadFile returns the file's content. Content travels base64-encoded so
// binary data and trailing newlines survive the shell round trip.
func (f *FS) ReadFile(ctx context.Context, rel string) *sandbox.FileResult {
	full, err := f.resolve(rel)
	if err != nil {
		return sandbox.FileFail(rel, "%v", err)
	}

	res := f.run(ctx, "base64 < "+Quote(full))
	if !res.Success() {
		if strings.Contains(res.Stderr, "No such file") || !f.exists(ctx, full) {
			return sandbox.FileFail(rel, "file not found: %s", rel)
		}
		return sandbox.FileFail(rel, "failed to read file: %s", strings.TrimSpace(res.Stderr))
	}

	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(res.Stdout, "\n", ""))
	if err != nil {
		return sandbox.FileFail(rel, "failed to decode file content: %v", err)
	}
	return sandbox.FileContent(rel, string(data))
}

// WriteFile writes content, creating parents as needed. Last write wins.
func (f *FS) WriteFile(ctx context.Context, rel, content string) *sandbox.FileResult {
	full, err := f.resolve(rel)
	if err != nil {
		return sandbox.FileFail(rel, "%v", err)
	}

	existed := f.exists(ctx, full)
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	cmd := fmt.Sprintf("mkdir -p %s && printf %%s %s | base64 -d > %s",
		Quote(path.Dir(full)), Quote(encoded), Quote(full))
	if res := f.run(ctx, cmd); !res.Success() {
		return sandbox.FileFail(rel, "failed to write file: %s", strings.TrimSpace(res.Stderr))
	}

	if existed {
		f.emit(sandbox.EventModified, full)
	} else {
		f.emit(sandbox.EventCreated, full)
	}
	return sandbox.FileOK(rel)
}

// CreateFile writes content only when the path does not already exist.
func (f *FS) CreateFile(ctx context.Context, rel, content string) *sandbox.FileResult {
	full, err := f.resolve(rel)
	if err != nil {
		return sandbox.FileFail(rel, "%v", err)
	}
	if f.exists(ctx, full) {
		return sandbox.FileFail(rel, "file already exists: %s", rel)
	}
	return f.WriteFile(ctx, rel, content)
}

// CreateDirectory creates the directory and any missing parents.
func (f *FS) CreateDirectory(ctx context.Context, rel string) *sandbox.FileResult {
	full, err := f.resolve(rel)
	if err != nil {
		return sandbox.FileFail(rel, "%v", err)
	}
	if res := f.run(ctx, "mkdir -p "+Quote(full)); !res.Success() {
		return sandbox.FileFail(rel, "failed to create directory: %s", strings.TrimSpace(res.Stderr))
	}
	f.emit(sandbox.EventFolderCreated, full)
	return sandbox.FileOK(rel)
}

// DeleteFile removes a file. Deleting a missing file is a failed result.
func (f *FS) DeleteFile(ctx context.Context, rel string) *sandbox.FileResult {
	full, err := f.resolve(rel)
	if err != nil {
		return sandbox.FileFail(rel, "%v", err)
	}
	if f.run(ctx, "test -d "+Quote(full)).Success() {
		return sandbox.FileFail(rel, "is a directory: %s", rel)
	}
	if !f.exists(ctx, full) {
		return sandbox.FileFail(rel, "file not found: %s", rel)
	}
	if res := f.run(ctx, "rm -f "+Quote(full)); !res.Success() {
		return sandbox.FileFail(rel, "failed to delete file: %s", strings.TrimSpace(res.Stderr))
	}
	f.emit(sandbox.EventDeleted, full)
	return sandbox.FileOK(rel)
}

// DeleteDirectory removes a directory tree. The workspace root is guarded.
func (f *FS) DeleteDirectory(ctx context.Context, rel string) *sandbox.FileResult {
	full, err := f.resolve(rel)
	if err != nil {
		return sandbox.FileFail(rel, "%v", err)
	}
	if full == f.root {
		return sandbox.FileFail(rel, "cannot delete workspace root")
	}
	if !f.exists(ctx, full) {
		return sandbox.FileFail(rel, "directory not found: %s", rel)
	}
	if res := f.run(ctx, "rm -rf "+Quote(full)); !res.Success() {
		return sandbox.FileFail(rel, "failed to delete directory: %s", strings.TrimSpace(res.Stderr))
	}
	f.emit(sandbox.EventFolderDeleted, full)
	return sandbox.FileOK(rel)
}

// MoveFile renames src to dst, creating dst's parent directories.
func (f *FS) MoveFile(ctx context.Context, src, dst string) *sandbox.FileResult {
	srcFull, err := f.resolve(src)
	if err != nil {
		return sandbox.FileFail(src, "%v", err)
	}
	dstFull, err := f.resolve(dst)
	if err != nil {
		return sandbox.FileFail(dst, "%v", err)
	}
	if !f.exists(ctx, srcFull) {
		return sandbox.FileFail(src, "file not found: %s", src)
	}

	cmd := fmt.Sprintf("mkdir -p %s && mv %s %s",
		Quote(path.Dir(dstFull)), Quote(srcFull), Quote(dstFull))
	if res := f.run(ctx, cmd); !res.Success() {
		return sandbox.FileFail(src, "failed to move file: %s", strings.TrimSpace(res.Stderr))
	}

	f.emit(sandbox.EventDeleted, srcFull)
	f.emit(sandbox.EventCreated, dstFull)
	return sandbox.FileOK(dst)
}

// ListDirectory lists one directory level, directories first, names sorted.
func (f *FS) ListDirectory(ctx context.Context, rel string) ([]*sandbox.FileNode, error) {
	full, err := f.resolve(rel)
	if err != nil {
		return nil, err
	}

	nodes, err := f.listEntries(ctx, full, 1)
	if err != nil {
		return nil, err
	}
	sortNodes(nodes)
	return nodes, nil
}

// ListDirectoryChildren lists one level for lazy tree expansion. Directory
// nodes carry an empty, non-nil Children slice so clients can tell "not yet
// expanded" from "known empty".
func (f *FS) ListDirectoryChildren(ctx context.Context, rel string) ([]*sandbox.FileNode, error) {
	nodes, err := f.ListDirectory(ctx, rel)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if node.Type == sandbox.NodeDirectory {
			node.Children = []*sandbox.FileNode{}
		}
	}
	return nodes, nil
}

// ListFilesRecursive builds the full workspace tree.
func (f *FS) ListFilesRecursive(ctx context.Context) (*sandbox.FileNode, error) {
	nodes, err := f.listEntries(ctx, f.root, 0)
	if err != nil {
		return nil, err
	}

	root := &sandbox.FileNode{
		Name:     "/",
		Path:     "/",
		Type:     sandbox.NodeDirectory,
		Children: []*sandbox.FileNode{},
	}
	index := map[string]*sandbox.FileNode{"/": root}

	// Lexicographic order puts every parent before its children.
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })

	for _, node := range nodes {
		parentPath := path.Dir(node.Path)
		parent, ok := index[parentPath]
		if !ok {
			continue
		}
		parent.Children = append(parent.Children, node)
		if node.Type == sandbox.NodeDirectory {
			node.Children = []*sandbox.FileNode{}
			index[node.Path] = node
		}
	}

	for _, node := range index {
		sortNodes(node.Children)
	}
	return root, nil
}

// listEntries runs one find per node type. Plain -print keeps the listing
// portable; busybox find has no -printf.
func (f *FS) listEntries(ctx context.Context, dir string, maxDepth int) ([]*sandbox.FileNode, error) {
	var nodes []*sandbox.FileNode
	for _, kind := range []sandbox.NodeType{sandbox.NodeDirectory, sandbox.NodeFile} {
		res := f.run(ctx, findCommand(dir, maxDepth, kind))
		if !res.Success() {
			return nil, fmt.Errorf("failed to list %s: %s", dir, strings.TrimSpace(res.Stderr))
		}
		nodes = append(nodes, f.parsePaths(res.Stdout, kind)...)
	}
	return nodes, nil
}

// findCommand lists entries of one type, one path per line. maxDepth 0
// means unbounded.
func findCommand(dir string, maxDepth int, kind sandbox.NodeType) string {
	depth := ""
	if maxDepth > 0 {
		depth = " -maxdepth " + strconv.Itoa(maxDepth)
	}
	typ := "f"
	if kind == sandbox.NodeDirectory {
		typ = "d"
	}
	return fmt.Sprintf("find %s -mindepth 1%s -type %s -print", Quote(dir), depth, typ)
}

// parsePaths turns find output into nodes with workspace-relative paths.
func (f *FS) parsePaths(out string, kind sandbox.NodeType) []*sandbox.FileNode {
	var nodes []*sandbox.FileNode
	for _, line := range strings.Split(out, "\n") {
		full := strings.TrimSpace(line)
		if full == "" {
			continue
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(full, f.root), "/")
		nodes = append(nodes, &sandbox.FileNode{
			Name: path.Base(full),
			Path: "/" + rel,
			Type: kind,
		})
	}
	return nodes
}

func sortNodes(nodes []*sandbox.FileNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type == sandbox.NodeDirectory
		}
		return nodes[i].Name < nodes[j].Name
	})
}
