package models

// ExecutionResource is a resolved cluster, command or application as the
// agent sees it.
type ExecutionResource struct {
	ID          string               `json:"id"`
	Name        string               `json:"name,omitempty"`
	Environment ExecutionEnvironment `json:"environment,omitempty"`
}

// JobSpecification is the resolved plan of a job. Once saved it never
// changes.
type JobSpecification struct {
	JobID        string              `json:"job_id"`
	User         string              `json:"user"`
	Cluster      ExecutionResource   `json:"cluster"`
	Command      ExecutionResource   `json:"command"`
	Applications []ExecutionResource `json:"applications,omitempty"`
	// Job is the job's own requested environment
	Job                  ExecutionResource `json:"job"`
	Executable           []string          `json:"executable"`
	CommandArgs          []string          `json:"command_args,omitempty"`
	EnvironmentVariables map[string]string `json:"environment_variables,omitempty"`
	JobDirectory         string            `json:"job_directory"`
	ArchiveLocation      string            `json:"archive_location,omitempty"`
	Interactive          bool              `json:"interactive,omitempty"`
	TimeoutSeconds       *int              `json:"timeout_seconds,omitempty"`
	Memory               int               `json:"memory"`
}

// ApplicationIDs returns the resolved application ids in order.
func (s *JobSpecification) ApplicationIDs() []string {
	ids := make([]string, 0, len(s.Applications))
	for _, a := range s.Applications {
		ids = append(ids, a.ID)
	}
	return ids
}
