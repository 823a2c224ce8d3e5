// Package project discovers the project descriptor for a directory. The
// descriptor's ID is the SHA of the repository's first root commit, which
// is deterministic for a given worktree across runs; directories outside
// version control share the sentinel "global" project.
package project

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/opencode-core/pkg/types"
)

// GlobalID is the project ID used outside version control.
const GlobalID = "global"

// cache stores descriptors by directory to avoid repeated git calls.
var (
	cacheMu sync.RWMutex
	cache   = make(map[string]*types.Project)
)

// FromDirectory resolves the project descriptor for a directory:
//  1. walk up to find the .git directory
//  2. use the first (sorted) root commit SHA as the project ID, cached in
//     .git/opencode so later runs skip the rev-list call
//  3. fall back to the "global" descriptor outside git
func FromDirectory(directory string) (*types.Project, error) {
	directory, err := filepath.Abs(directory)
	if err != nil {
		return nil, err
	}

	cacheMu.RLock()
	if info, ok := cache[directory]; ok {
		cacheMu.RUnlock()
		return info, nil
	}
	cacheMu.RUnlock()

	gitDir := findGitDir(directory)
	if gitDir == "" {
		info := &types.Project{
			ID:       GlobalID,
			Worktree: "/",
			Time:     types.ProjectTime{Created: time.Now().UnixMilli()},
		}
		put(directory, info)
		return info, nil
	}

	worktree := filepath.Dir(gitDir)
	if out, err := gitOutput(worktree, "rev-parse", "--show-toplevel"); err == nil {
		worktree = out
	}
	// Resolve the real git dir; .git may be a file for linked worktrees.
	if out, err := gitOutput(worktree, "rev-parse", "--git-dir"); err == nil {
		if !filepath.IsAbs(out) {
			out = filepath.Join(worktree, out)
		}
		gitDir = out
	}

	id := cachedID(gitDir)
	if id == "" {
		id = rootCommitID(worktree)
		if id == "" {
			id = GlobalID
		} else {
			_ = os.WriteFile(filepath.Join(gitDir, "opencode"), []byte(id), 0644)
		}
	}

	info := &types.Project{
		ID:       id,
		Worktree: worktree,
		VCS:      "git",
		Time:     types.ProjectTime{Created: time.Now().UnixMilli()},
	}
	put(directory, info)
	return info, nil
}

// ID returns just the project ID for a directory.
func ID(directory string) (string, error) {
	info, err := FromDirectory(directory)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func cachedID(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "opencode"))
	if err != nil || len(data) == 0 {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// findGitDir walks up from start looking for a .git entry.
func findGitDir(start string) string {
	current := start
	for {
		gitPath := filepath.Join(current, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() {
				return gitPath
			}
			// .git is a file for worktrees and submodules; it names the
			// real git dir.
			if content, err := os.ReadFile(gitPath); err == nil {
				line := strings.TrimSpace(string(content))
				if strings.HasPrefix(line, "gitdir: ") {
					gitdir := strings.TrimPrefix(line, "gitdir: ")
					if !filepath.IsAbs(gitdir) {
						gitdir = filepath.Join(current, gitdir)
					}
					return gitdir
				}
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

// rootCommitID returns the first (sorted) root commit SHA of the worktree.
func rootCommitID(worktree string) string {
	out, err := gitOutput(worktree, "rev-list", "--max-parents=0", "--all")
	if err != nil {
		return ""
	}

	var roots []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			roots = append(roots, line)
		}
	}
	if len(roots) == 0 {
		return ""
	}
	sort.Strings(roots)
	return roots[0]
}

func put(directory string, info *types.Project) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache[directory] = info
}

// ClearCache clears the in-memory descriptor cache. Useful for testing.
func ClearCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = make(map[string]*types.Project)
}
