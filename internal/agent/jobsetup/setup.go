package jobsetup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/psantana5/kestrel/pkg/filetransfer"
	"github.com/psantana5/kestrel/pkg/logging"
	"github.com/psantana5/kestrel/pkg/models"
)

// Downloader fetches one URI to a local path
type Downloader interface {
	Get(ctx context.Context, uri, dst string) error
}

// Service sets up and cleans job directories
type Service struct {
	downloader Downloader
	logger     *logging.Logger
}

// NewService creates a setup service that fetches files with downloader
func NewService(downloader Downloader, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Service{downloader: downloader, logger: logger}
}

// CreateJobDirectory creates the job directory and the per-resource tree.
// An existing directory is reused only when empty.
func (s *Service) CreateJobDirectory(spec *models.JobSpecification) (Layout, error) {
	if spec.JobDirectory == "" || !filepath.IsAbs(spec.JobDirectory) {
		return Layout{}, fmt.Errorf("job directory %q is not an absolute path", spec.JobDirectory)
	}
	l := NewLayout(spec.JobDirectory)

	if err := os.MkdirAll(filepath.Dir(l.Root), 0755); err != nil {
		return Layout{}, fmt.Errorf("create jobs directory: %w", err)
	}
	if err := os.Mkdir(l.Root, 0755); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return Layout{}, fmt.Errorf("create job directory: %w", err)
		}
		empty, err := isEmptyDir(l.Root)
		if err != nil {
			return Layout{}, fmt.Errorf("inspect job directory: %w", err)
		}
		if !empty {
			return Layout{}, fmt.Errorf("job directory %s already exists and is not empty", l.Root)
		}
	}

	entities := []string{l.ClusterDir(spec.Cluster.ID), l.CommandDir(spec.Command.ID)}
	for _, app := range spec.Applications {
		entities = append(entities, l.ApplicationDir(app.ID))
	}
	dirs := []string{l.LogsDir()}
	for _, e := range entities {
		dirs = append(dirs, DependenciesDir(e), ConfigDir(e))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return Layout{}, fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return l, nil
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// ManifestEntry is one file to download
type ManifestEntry struct {
	URI    string
	Target string
}

// Manifest lists the setup files, configs and dependencies of the cluster,
// applications, command and job. Job files go to the job directory root.
func Manifest(spec *models.JobSpecification, l Layout) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	seen := make(map[string]string)

	add := func(uri, target string) error {
		if prev, ok := seen[target]; ok {
			return fmt.Errorf("%s and %s both download to %s", prev, uri, target)
		}
		seen[target] = uri
		entries = append(entries, ManifestEntry{URI: uri, Target: target})
		return nil
	}
	addEnv := func(env models.ExecutionEnvironment, setupTarget, depsDir, configDir string) error {
		if env.SetupFile != "" {
			if err := add(env.SetupFile, setupTarget); err != nil {
				return err
			}
		}
		for _, group := range []struct {
			uris []string
			dir  string
		}{{env.Dependencies, depsDir}, {env.Configs, configDir}} {
			for _, uri := range group.uris {
				name, err := filetransfer.FileName(uri)
				if err != nil {
					return err
				}
				if err := add(uri, filepath.Join(group.dir, name)); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, app := range spec.Applications {
		dir := l.ApplicationDir(app.ID)
		if err := addEnv(app.Environment, SetupFile(dir), DependenciesDir(dir), ConfigDir(dir)); err != nil {
			return nil, fmt.Errorf("application %s: %w", app.ID, err)
		}
	}
	clusterDir := l.ClusterDir(spec.Cluster.ID)
	if err := addEnv(spec.Cluster.Environment, SetupFile(clusterDir), DependenciesDir(clusterDir), ConfigDir(clusterDir)); err != nil {
		return nil, fmt.Errorf("cluster %s: %w", spec.Cluster.ID, err)
	}
	commandDir := l.CommandDir(spec.Command.ID)
	if err := addEnv(spec.Command.Environment, SetupFile(commandDir), DependenciesDir(commandDir), ConfigDir(commandDir)); err != nil {
		return nil, fmt.Errorf("command %s: %w", spec.Command.ID, err)
	}
	if err := addEnv(spec.Job.Environment, filepath.Join(l.KestrelDir(), SetupFileName), l.Root, l.Root); err != nil {
		return nil, fmt.Errorf("job: %w", err)
	}
	return entries, nil
}

// DownloadJobResources fetches every manifest entry and returns the local
// paths written
func (s *Service) DownloadJobResources(ctx context.Context, spec *models.JobSpecification, l Layout) ([]string, error) {
	entries, err := Manifest(spec, l)
	if err != nil {
		return nil, fmt.Errorf("compose download manifest: %w", err)
	}
	targets := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return targets, err
		}
		s.logger.Debug("Downloading job resource", map[string]interface{}{"uri": e.URI, "target": e.Target})
		if err := s.downloader.Get(ctx, e.URI, e.Target); err != nil {
			return targets, fmt.Errorf("download %s: %w", e.URI, err)
		}
		targets = append(targets, e.Target)
	}
	s.logger.Info("Downloaded job resources", map[string]interface{}{"job_id": spec.JobID, "files": len(targets)})
	return targets, nil
}
