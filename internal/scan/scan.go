// Package scan enumerates session log files under the projects root.
package scan

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/marcus/tokentally/internal/usage"
)

// Ext is the session log extension.
const Ext = ".jsonl"

// SourceFile is one discovered log file.
type SourceFile struct {
	Path        string
	ProjectPath string
	ProjectName string
	Size        int64
	ModTime     time.Time
}

// Discover walks root recursively and returns every .jsonl file sorted by
// path. A missing root yields no files. Directories that cannot be read are
// skipped.
func Discover(root string) ([]SourceFile, error) {
	root = filepath.Clean(root)
	var files []SourceFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, Ext) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Vanished between readdir and stat.
			return nil
		}
		projectPath, projectName := ProjectFromPath(root, path)
		files = append(files, SourceFile{
			Path:        path,
			ProjectPath: projectPath,
			ProjectName: projectName,
			Size:        info.Size(),
			ModTime:     info.ModTime(),
		})
		return nil
	})

	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, usage.NewError(usage.ErrFileAccess, "scan", root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ProjectFromPath derives the project identifier from the path segment
// directly below root, and a display name from it. Project directories are
// encoded working directories ("/Users/dev/app" becomes "-Users-dev-app"), so
// the name is the last dash-separated component. Files directly under root
// have no project.
func ProjectFromPath(root, path string) (projectPath, projectName string) {
	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return "", ""
	}
	projectPath = parts[0]
	return projectPath, DisplayName(projectPath)
}

// DisplayName returns a short label for an encoded project directory.
func DisplayName(projectPath string) string {
	trimmed := strings.Trim(projectPath, "-")
	if trimmed == "" {
		return projectPath
	}
	if i := strings.LastIndex(trimmed, "-"); i >= 0 && i < len(trimmed)-1 {
		return trimmed[i+1:]
	}
	return trimmed
}
