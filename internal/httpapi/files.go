package httpapi

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// maxFileListResults bounds a single /api/files/complete response so a
// huge repo can't blow up a single HTTP response. /api/files/list does
// not apply it and returns every entry of the directory.
const maxFileListResults = 500

func readWorktreeFile(dir, relPath string) (content, sha string, err error) {
	abs, err := safeJoin(dir, relPath)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", "", err
	}
	return string(data), gitBlobSHA(data), nil
}

func writeWorktreeFile(dir, relPath, content string) error {
	abs, err := safeJoin(dir, relPath)
	if err != nil {
		return err
	}
	return os.WriteFile(abs, []byte(content), 0o644)
}

// safeJoin resolves relPath against root and refuses any result that
// escapes root, the same containment invariant internal/sandbox's Guard
// enforces for tool-issued writes.
func safeJoin(root, relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("path must be relative: %s", relPath)
	}
	joined := filepath.Join(root, relPath)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes repo root: %s", relPath)
	}
	return joined, nil
}

// gitBlobSHA computes the sha1 git would assign a blob of this content,
// so a freshly read file reports the same sha a later HashObject call
// would, without spawning git just to read a file.
func gitBlobSHA(data []byte) string {
	header := fmt.Sprintf("blob %d\x00", len(data))
	sum := sha1.Sum(append([]byte(header), data...))
	return hex.EncodeToString(sum[:])
}

func (s *Server) repoPath(c *gin.Context) (string, bool) {
	repoIDStr := c.Query("repo_id")
	if repoIDStr == "" {
		apiError(c, http.StatusBadRequest, "missing_repo_id", "repo_id is required")
		return "", false
	}
	repoID, err := strconv.ParseInt(repoIDStr, 10, 64)
	if err != nil {
		apiError(c, http.StatusBadRequest, "bad_repo_id", "repo_id must be an integer")
		return "", false
	}
	repo, err := s.db.Repos().Get(repoID)
	if notFoundOr404(c, err, "repo_not_found") {
		return "", false
	}
	return repo.Path, true
}

// handleFileList lists files under dir (relative to the repo root,
// default "."), one level deep, for a directory-browser view.
func (s *Server) handleFileList(c *gin.Context) {
	root, ok := s.repoPath(c)
	if !ok {
		return
	}
	dir := c.DefaultQuery("dir", ".")
	abs, err := safeJoin(root, dir)
	if err != nil {
		apiError(c, http.StatusBadRequest, "bad_path", err.Error())
		return
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		apiError(c, http.StatusNotFound, "dir_not_found", err.Error())
		return
	}
	type entry struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".git") {
			continue
		}
		out = append(out, entry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

// handleFileComplete returns every file path under the repo root whose
// path contains the query's prefix, case-insensitive substring match,
// the fuzzy-picker backing a task's repo-file reference field.
func (s *Server) handleFileComplete(c *gin.Context) {
	root, ok := s.repoPath(c)
	if !ok {
		return
	}
	prefix := strings.ToLower(c.Query("prefix"))

	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if prefix == "" || strings.Contains(strings.ToLower(rel), prefix) {
			matches = append(matches, rel)
		}
		if len(matches) >= maxFileListResults {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	sort.Strings(matches)
	c.JSON(http.StatusOK, gin.H{"paths": matches})
}
