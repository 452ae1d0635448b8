package jobsetup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CleanupStrategy says what to remove from the job directory once the job
// is done
type CleanupStrategy string

const (
	// NoCleanup keeps everything
	NoCleanup CleanupStrategy = "none"
	// DependenciesCleanup removes downloaded resource dependencies
	DependenciesCleanup CleanupStrategy = "dependencies"
	// FullCleanup removes the job directory
	FullCleanup CleanupStrategy = "full"
)

// ParseCleanupStrategy parses a strategy name, empty means dependencies
func ParseCleanupStrategy(s string) (CleanupStrategy, error) {
	switch CleanupStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DependenciesCleanup:
		return DependenciesCleanup, nil
	case NoCleanup:
		return NoCleanup, nil
	case FullCleanup:
		return FullCleanup, nil
	}
	return "", fmt.Errorf("unknown cleanup strategy %q", s)
}

// Cleanup applies strategy to the job directory at l
func (s *Service) Cleanup(l Layout, strategy CleanupStrategy) error {
	switch strategy {
	case NoCleanup:
		s.logger.Info("Skipping cleanup of job directory", map[string]interface{}{"dir": l.Root})
		return nil
	case FullCleanup:
		s.logger.Info("Wiping job directory", map[string]interface{}{"dir": l.Root})
		return os.RemoveAll(l.Root)
	case DependenciesCleanup:
		removed, err := RemoveMatching(l.Root, DependencyGlobs)
		s.logger.Info("Removed job dependencies", map[string]interface{}{"dir": l.Root, "removed": removed})
		return err
	}
	return fmt.Errorf("unknown cleanup strategy %q", strategy)
}

// RemoveMatching deletes the files under root matching any of patterns,
// given relative to root. Directories named by the patterns are left in
// place. It returns the number of files removed.
func RemoveMatching(root string, patterns []string) (int, error) {
	fsys := os.DirFS(root)
	removed := 0
	var firstErr error
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return removed, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if err := os.Remove(filepath.Join(root, filepath.FromSlash(m))); err != nil && !os.IsNotExist(err) {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			removed++
		}
	}
	return removed, firstErr
}
