// Package archive uploads a finished job directory to its archive location.
package archive

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/psantana5/kestrel/internal/agent/jobsetup"
	"github.com/psantana5/kestrel/pkg/logging"
)

// Uploader puts one local file at a URI
type Uploader interface {
	Put(ctx context.Context, src, uri string) error
}

// DefaultExcludes leave downloaded dependencies out of the archive
var DefaultExcludes = jobsetup.DependencyGlobs

// Archiver copies job files to an archive location
type Archiver struct {
	uploader Uploader
	excludes []string
	logger   *logging.Logger
}

// New creates an archiver. Nil excludes means DefaultExcludes.
func New(uploader Uploader, excludes []string, logger *logging.Logger) (*Archiver, error) {
	if excludes == nil {
		excludes = DefaultExcludes
	}
	for _, p := range excludes {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Archiver{uploader: uploader, excludes: excludes, logger: logger}, nil
}

// Files lists the files under dir that would be archived, relative to dir
func (a *Archiver) Files(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if a.excluded(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}

func (a *Archiver) excluded(rel string) bool {
	for _, p := range a.excludes {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Archive uploads every archivable file of dir under location and returns
// the number of files uploaded. An empty location archives nothing.
func (a *Archiver) Archive(ctx context.Context, dir, location string) (int, error) {
	if location == "" {
		return 0, nil
	}
	files, err := a.Files(dir)
	if err != nil {
		return 0, fmt.Errorf("list job files: %w", err)
	}
	base := strings.TrimRight(location, "/")
	for i, rel := range files {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := a.uploader.Put(ctx, filepath.Join(dir, filepath.FromSlash(rel)), base+"/"+rel); err != nil {
			return i, fmt.Errorf("archive %s: %w", rel, err)
		}
	}
	a.logger.Info("Archived job directory", map[string]interface{}{
		"dir":      dir,
		"location": location,
		"files":    len(files),
	})
	return len(files), nil
}
