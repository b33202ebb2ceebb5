package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Workspace is an isolated working directory for one pipeline. When a source
// repo is given the repo directory is a detached git worktree, so workers can
// commit freely without touching the source checkout.
type Workspace struct {
	Path     string
	RepoPath string
}

type Metadata struct {
	PipelineID string `json:"pipeline_id"`
	Request    string `json:"request"`
	SourceRepo string `json:"source_repo,omitempty"`
}

func Create(baseDir, pipelineID, sourceRepo string) (*Workspace, error) {
	path := filepath.Join(baseDir, "pipeline-"+pipelineID)

	w := &Workspace{
		Path:     path,
		RepoPath: filepath.Join(path, "repo"),
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	if sourceRepo != "" {
		if err := w.createWorktree(sourceRepo); err != nil {
			return nil, err
		}
	} else {
		if err := os.MkdirAll(w.RepoPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create repo directory: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Join(w.RepoPath, ".commander"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	return w, nil
}

func (w *Workspace) createWorktree(sourceRepo string) error {
	absRepo, err := filepath.Abs(sourceRepo)
	if err != nil {
		return fmt.Errorf("failed to resolve repo path: %w", err)
	}

	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = absRepo
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s is not a git repository", absRepo)
	}

	// Detached worktree at the source repo's current HEAD
	cmd = exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = absRepo
	shaOut, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("failed to get HEAD: %w", err)
	}
	sha := strings.TrimSpace(string(shaOut))

	cmd = exec.Command("git", "worktree", "add", "--detach", w.RepoPath, sha)
	cmd.Dir = absRepo
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create worktree: %s", string(output))
	}

	return nil
}

func Open(baseDir, pipelineID string) (*Workspace, error) {
	path := filepath.Join(baseDir, "pipeline-"+pipelineID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for pipeline %s does not exist", pipelineID)
	}

	return &Workspace{
		Path:     path,
		RepoPath: filepath.Join(path, "repo"),
	}, nil
}

// Remove deletes the workspace. Worktree-backed repos are detached from the
// source repo first so git doesn't keep tracking a dead path.
func Remove(baseDir, pipelineID string) error {
	w, err := Open(baseDir, pipelineID)
	if err != nil {
		return err
	}

	meta, err := w.ReadMetadata()
	if err == nil && meta.SourceRepo != "" {
		cmd := exec.Command("git", "worktree", "remove", "--force", w.RepoPath)
		cmd.Dir = meta.SourceRepo
		cmd.Run()
	}

	return os.RemoveAll(w.Path)
}

func (w *Workspace) WriteMetadata(meta *Metadata) error {
	path := filepath.Join(w.RepoPath, ".commander", "pipeline.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workspace metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write pipeline.json: %w", err)
	}

	return nil
}

func (w *Workspace) ReadMetadata() (*Metadata, error) {
	path := filepath.Join(w.RepoPath, ".commander", "pipeline.json")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline.json: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline.json: %w", err)
	}

	return &meta, nil
}

// WriteResult stores the final pipeline snapshot next to the metadata so the
// steps and iteration history outlive the process that ran the pipeline.
func (w *Workspace) WriteResult(v any) error {
	path := filepath.Join(w.RepoPath, ".commander", "result.json")

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline result: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write result.json: %w", err)
	}

	return nil
}

// ReadResult loads the stored pipeline snapshot into out.
func (w *Workspace) ReadResult(out any) error {
	path := filepath.Join(w.RepoPath, ".commander", "result.json")

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read result.json: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse result.json: %w", err)
	}

	return nil
}
