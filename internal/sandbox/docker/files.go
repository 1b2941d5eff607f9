package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/appforge/sandboxd/internal/sandbox"
)

// File operations for the docker backend run against the bind-mounted
// workspace on the host. The OS watcher sees every mutation, so no manual
// watch events are synthesized here.

func ensureWorkspace(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	return nil
}

// resolvePath maps a workspace-relative path to the host filesystem,
// rejecting anything that would escape the workspace root.
func (p *Provider) resolvePath(projectID, rel string) (string, error) {
	root := p.workspaceDir(projectID)
	cleaned := filepath.Clean(strings.TrimPrefix(rel, "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return filepath.Join(root, cleaned), nil
}

// ReadFile returns the file's content, or a failed result when missing.
func (p *Provider) ReadFile(ctx context.Context, projectID, path string) *sandbox.FileResult {
	full, err := p.resolvePath(projectID, path)
	if err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return sandbox.FileFail(path, "file not found: %s", path)
		}
		return sandbox.FileFail(path, "failed to read file: %v", err)
	}
	return sandbox.FileContent(path, string(data))
}

// WriteFile writes content, creating the file and parent directories as
// needed. Last write wins.
func (p *Provider) WriteFile(ctx context.Context, projectID, path, content string) *sandbox.FileResult {
	full, err := p.resolvePath(projectID, path)
	if err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return sandbox.FileFail(path, "failed to create parent directory: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return sandbox.FileFail(path, "failed to write file: %v", err)
	}
	return sandbox.FileOK(path)
}

// CreateFile writes content only when the path does not already exist.
func (p *Provider) CreateFile(ctx context.Context, projectID, path, content string) *sandbox.FileResult {
	full, err := p.resolvePath(projectID, path)
	if err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	if _, err := os.Stat(full); err == nil {
		return sandbox.FileFail(path, "file already exists: %s", path)
	}
	return p.WriteFile(ctx, projectID, path, content)
}

// CreateDirectory creates the directory and any missing parents.
func (p *Provider) CreateDirectory(ctx context.Context, projectID, path string) *sandbox.FileResult {
	full, err := p.resolvePath(projectID, path)
	if err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return sandbox.FileFail(path, "failed to create directory: %v", err)
	}
	return sandbox.FileOK(path)
}

// DeleteFile removes a file. Deleting a missing file is a failed result.
func (p *Provider) DeleteFile(ctx context.Context, projectID, path string) *sandbox.FileResult {
	full, err := p.resolvePath(projectID, path)
	if err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return sandbox.FileFail(path, "file not found: %s", path)
		}
		return sandbox.FileFail(path, "failed to stat file: %v", err)
	}
	if info.IsDir() {
		return sandbox.FileFail(path, "is a directory: %s", path)
	}
	if err := os.Remove(full); err != nil {
		return sandbox.FileFail(path, "failed to delete file: %v", err)
	}
	return sandbox.FileOK(path)
}

// DeleteDirectory removes a directory tree.
func (p *Provider) DeleteDirectory(ctx context.Context, projectID, path string) *sandbox.FileResult {
	full, err := p.resolvePath(projectID, path)
	if err != nil {
		return sandbox.FileFail(path, "%v", err)
	}
	if full == p.workspaceDir(projectID) {
		return sandbox.FileFail(path, "cannot delete workspace root")
	}
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return sandbox.FileFail(path, "directory not found: %s", path)
	}
	if err := os.RemoveAll(full); err != nil {
		return sandbox.FileFail(path, "failed to delete directory: %v", err)
	}
	return sandbox.FileOK(path)
}

// MoveFile renames src to dst, creating dst's parent directories.
func (p *Provider) MoveFile(ctx context.Context, projectID, src, dst string) *sandbox.FileResult {
	srcFull, err := p.resolvePath(projectID, src)
	if err != nil {
		return sandbox.FileFail(src, "%v", err)
	}
	dstFull, err := p.resolvePath(projectID, dst)
	if err != nil {
		return sandbox.FileFail(dst, "%v", err)
	}
	if _, err := os.Stat(srcFull); os.IsNotExist(err) {
		return sandbox.FileFail(src, "file not found: %s", src)
	}
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return sandbox.FileFail(dst, "failed to create parent directory: %v", err)
	}
	if err := os.Rename(srcFull, dstFull); err != nil {
		return sandbox.FileFail(src, "failed to move file: %v", err)
	}
	return sandbox.FileOK(dst)
}

// ListDirectory lists one directory level, directories first, names sorted.
func (p *Provider) ListDirectory(ctx context.Context, projectID, path string) ([]*sandbox.FileNode, error) {
	full, err := p.resolvePath(projectID, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory %s: %w", path, err)
	}

	nodes := make([]*sandbox.FileNode, 0, len(entries))
	for _, entry := range entries {
		node := &sandbox.FileNode{
			Name: entry.Name(),
			Path: joinRel(path, entry.Name()),
			Type: sandbox.NodeFile,
		}
		if entry.IsDir() {
			node.Type = sandbox.NodeDirectory
		}
		nodes = append(nodes, node)
	}
	sortNodes(nodes)
	return nodes, nil
}

// ListDirectoryChildren lists one level for lazy tree expansion. Directory
// nodes carry an empty, non-nil Children slice so clients can tell "not yet
// expanded" from "known empty".
func (p *Provider) ListDirectoryChildren(ctx context.Context, projectID, path string) ([]*sandbox.FileNode, error) {
	nodes, err := p.ListDirectory(ctx, projectID, path)
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

// ListFilesRecursive builds the full workspace tree rooted at "/".
func (p *Provider) ListFilesRecursive(ctx context.Context, projectID string) (*sandbox.FileNode, error) {
	root := &sandbox.FileNode{
		Name: "/",
		Path: "/",
		Type: sandbox.NodeDirectory,
	}
	if err := p.buildTree(ctx, projectID, "/", root); err != nil {
		return nil, err
	}
	return root, nil
}

func (p *Provider) buildTree(ctx context.Context, projectID, path string, parent *sandbox.FileNode) error {
	nodes, err := p.ListDirectory(ctx, projectID, path)
	if err != nil {
		return err
	}
	parent.Children = nodes
	for _, node := range nodes {
		if node.Type == sandbox.NodeDirectory {
			if err := p.buildTree(ctx, projectID, node.Path, node); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinRel(dir, name string) string {
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" || dir == "." {
		return "/" + name
	}
	if !strings.HasPrefix(dir, "/") {
		dir = "/" + dir
	}
	return dir + "/" + name
}

func sortNodes(nodes []*sandbox.FileNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type == sandbox.NodeDirectory
		}
		return nodes[i].Name < nodes[j].Name
	})
}
