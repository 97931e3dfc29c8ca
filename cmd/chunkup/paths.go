package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
)

// localPath is a regular file selected for upload.
type localPath struct {
	Path string
	// RelativePath is relative to the directory or glob base the file was found under.
	RelativePath string
}

// expandPaths resolves files, directories and glob patterns into regular
// files. Directories are walked recursively.
func expandPaths(args []string, logger log.Logger) ([]localPath, error) {
	var paths []localPath
	seen := map[string]bool{}
	add := func(p localPath) {
		abs, err := filepath.Abs(p.Path)
		if err != nil {
			logger.Warnf("Failed to parse path %s, error: %s", p.Path, err)
			return
		}
		if seen[abs] {
			return
		}
		seen[abs] = true
		p.Path = abs
		p.RelativePath = filepath.ToSlash(p.RelativePath)
		paths = append(paths, p)
	}

	for _, arg := range args {
		if !strings.ContainsAny(arg, "*?[{") {
			found, err := walk(arg)
			if err != nil {
				return nil, err
			}
			for _, p := range found {
				add(p)
			}
			continue
		}

		base, pattern := doublestar.SplitPattern(filepath.ToSlash(arg))
		matches, err := doublestar.Glob(os.DirFS(base), pattern, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %s: %w", arg, err)
		}
		if len(matches) == 0 {
			logger.Warnf("No match for path pattern: %s", arg)
			continue
		}
		sort.Strings(matches)
		for _, match := range matches {
			add(localPath{Path: filepath.Join(base, match), RelativePath: match})
		}
	}

	return paths, nil
}

func walk(root string) ([]localPath, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []localPath{{Path: root, RelativePath: filepath.Base(root)}}, nil
	}

	var paths []localPath
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, localPath{Path: path, RelativePath: filepath.Join(filepath.Base(root), rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return paths, nil
}
