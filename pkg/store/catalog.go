package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/kestrel/pkg/models"
)

// Catalog is the YAML seed file format for clusters, commands and
// applications.
type Catalog struct {
	Clusters     []models.Cluster     `yaml:"clusters"`
	Commands     []models.Command     `yaml:"commands"`
	Applications []models.Application `yaml:"applications"`
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]string)
	check := func(kind string, r *models.Resource) error {
		if r.ID == "" || r.Name == "" {
			return fmt.Errorf("%s needs an id and a name", kind)
		}
		if prev, dup := seen[r.ID]; dup {
			return fmt.Errorf("%s id %q already used by a %s", kind, r.ID, prev)
		}
		seen[r.ID] = kind
		r.Tags = models.NormalizeTags(r.Tags)
		return nil
	}

	for i := range c.Clusters {
		if c.Clusters[i].Status == "" {
			c.Clusters[i].Status = models.ClusterStatusUp
		}
		if err := check("cluster", &c.Clusters[i].Resource); err != nil {
			return nil, err
		}
	}
	for i := range c.Applications {
		if c.Applications[i].Status == "" {
			c.Applications[i].Status = models.ResourceStatusActive
		}
		if err := check("application", &c.Applications[i].Resource); err != nil {
			return nil, err
		}
	}
	for i := range c.Commands {
		cmd := &c.Commands[i]
		if cmd.Status == "" {
			cmd.Status = models.ResourceStatusActive
		}
		if err := check("command", &cmd.Resource); err != nil {
			return nil, err
		}
		if len(cmd.Executable) == 0 {
			return nil, fmt.Errorf("command %q has no executable", cmd.ID)
		}
		for j, cc := range cmd.ClusterCriteria {
			if err := cc.Validate(); err != nil {
				return nil, fmt.Errorf("command %q cluster criterion %d: %w", cmd.ID, j, err)
			}
		}
	}
	return &c, nil
}

// LoadCatalogFile reads a catalog file and saves every entry into repo.
func LoadCatalogFile(ctx context.Context, repo ResourceRepository, path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	return c, c.Apply(ctx, repo)
}

// Apply saves the catalog entries into repo.
func (c *Catalog) Apply(ctx context.Context, repo ResourceRepository) error {
	for i := range c.Clusters {
		if err := repo.SaveCluster(ctx, &c.Clusters[i]); err != nil {
			return err
		}
	}
	for i := range c.Applications {
		if err := repo.SaveApplication(ctx, &c.Applications[i]); err != nil {
			return err
		}
	}
	for i := range c.Commands {
		if err := repo.SaveCommand(ctx, &c.Commands[i]); err != nil {
			return err
		}
	}
	return nil
}
