package models

import "time"

// Cluster statuses
const (
	ClusterStatusUp           = "UP"
	ClusterStatusOutOfService = "OUT_OF_SERVICE"
	ClusterStatusTerminated   = "TERMINATED"
)

// Command and application statuses
const (
	ResourceStatusActive     = "ACTIVE"
	ResourceStatusDeprecated = "DEPRECATED"
	ResourceStatusInactive   = "INACTIVE"
)

// ExecutionEnvironment lists files a resource needs on the agent host.
// Entries are URIs understood by the filetransfer package.
type ExecutionEnvironment struct {
	Configs      []string `json:"configs,omitempty" yaml:"configs,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	SetupFile    string   `json:"setup_file,omitempty" yaml:"setup_file,omitempty"`
}

// IsEmpty reports whether the environment references no files.
func (e ExecutionEnvironment) IsEmpty() bool {
	return len(e.Configs) == 0 && len(e.Dependencies) == 0 && e.SetupFile == ""
}

// Resource holds the fields shared by clusters, commands and applications.
type Resource struct {
	ID          string               `json:"id" yaml:"id"`
	Name        string               `json:"name" yaml:"name"`
	Version     string               `json:"version" yaml:"version"`
	Status      string               `json:"status" yaml:"status"`
	Tags        []string             `json:"tags,omitempty" yaml:"tags,omitempty"`
	Environment ExecutionEnvironment `json:"environment,omitempty" yaml:"environment,omitempty"`
	CreatedAt   time.Time            `json:"created_at,omitempty" yaml:"-"`
}

// Cluster is an execution target.
type Cluster struct {
	Resource `yaml:",inline"`
}

// Command is something that runs on a cluster.
type Command struct {
	Resource `yaml:",inline"`

	Executable []string `json:"executable" yaml:"executable"`
	// Memory in MB the command needs when the job does not ask for any
	Memory *int `json:"memory,omitempty" yaml:"memory,omitempty"`
	// ClusterCriteria narrows the clusters this command may run on, in
	// priority order. Empty means no constraint.
	ClusterCriteria []Criterion `json:"cluster_criteria,omitempty" yaml:"cluster_criteria,omitempty"`
	// Applications used when a job names none
	Applications []string `json:"applications,omitempty" yaml:"applications,omitempty"`
	// Clusters this command is attached to
	Clusters []string `json:"clusters,omitempty" yaml:"clusters,omitempty"`
}

// Application is a set of binaries or libraries a command depends on.
type Application struct {
	Resource `yaml:",inline"`

	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// ClusterCommandMatch is one eligible pair returned by the repository.
type ClusterCommandMatch struct {
	Cluster *Cluster
	Command *Command
}
