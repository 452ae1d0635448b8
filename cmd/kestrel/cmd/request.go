package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/psantana5/kestrel/pkg/models"
)

// requestFlags are the job request options shared by exec and resolve
type requestFlags struct {
	name             string
	user             string
	version          string
	description      string
	email            string
	tags             []string
	grouping         string
	groupingInstance string

	clusterCriteria  []string
	commandCriterion string
	applicationIDs   []string

	jobDirectory      string
	timeout           int
	memory            int
	interactive       bool
	archivingDisabled bool

	dependencies []string
	configs      []string
	setupFile    string
}

func (f *requestFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.name, "job-name", "", "job name")
	fs.StringVar(&f.user, "user", os.Getenv("USER"), "user the job runs for")
	fs.StringVar(&f.version, "job-version", "", "job version")
	fs.StringVar(&f.description, "description", "", "job description")
	fs.StringVar(&f.email, "email", "", "notification email")
	fs.StringSliceVar(&f.tags, "tags", nil, "job tags, comma separated")
	fs.StringVar(&f.grouping, "grouping", "", "grouping the job belongs to")
	fs.StringVar(&f.groupingInstance, "grouping-instance", "", "grouping instance the job belongs to")

	fs.StringArrayVar(&f.clusterCriteria, "cluster-criterion", nil, "cluster criterion such as NAME=prod/TAGS=a,b; repeat for fallbacks tried in order")
	fs.StringVar(&f.commandCriterion, "command-criterion", "", "command criterion such as TAGS=spark")
	fs.StringSliceVar(&f.applicationIDs, "application-ids", nil, "application ids overriding the command's applications")

	fs.StringVar(&f.jobDirectory, "job-directory-location", "", "parent directory of the job directory")
	fs.IntVar(&f.timeout, "timeout", 0, "job timeout in seconds, 0 for the server default")
	fs.IntVar(&f.memory, "memory", 0, "job memory in MB, 0 for the command default")
	fs.BoolVar(&f.interactive, "interactive", false, "attach the job to this terminal")
	fs.BoolVar(&f.archivingDisabled, "archiving-disabled", false, "do not archive the job directory")

	fs.StringSliceVar(&f.dependencies, "job-dependencies", nil, "URIs downloaded into the job directory")
	fs.StringSliceVar(&f.configs, "job-configs", nil, "config URIs downloaded into the job directory")
	fs.StringVar(&f.setupFile, "job-setup", "", "setup file URI sourced before the command runs")
}

// build turns the flags and trailing command arguments into a validated
// job request
func (f *requestFlags) build(args []string) (*models.JobRequest, error) {
	req := &models.JobRequest{
		Metadata: models.JobMetadata{
			Name:             f.name,
			User:             f.user,
			Version:          f.version,
			Description:      f.description,
			Email:            f.email,
			Tags:             models.NormalizeTags(f.tags),
			Grouping:         f.grouping,
			GroupingInstance: f.groupingInstance,
		},
		CommandArgs: args,
		Criteria: models.ExecutionResourceCriteria{
			ApplicationIDs: f.applicationIDs,
		},
		AgentConfig: models.AgentConfigRequest{
			Interactive:           f.interactive,
			RequestedJobDirectory: f.jobDirectory,
			ArchivingDisabled:     f.archivingDisabled,
		},
		Environment: models.ExecutionEnvironment{
			Configs:      f.configs,
			Dependencies: f.dependencies,
			SetupFile:    f.setupFile,
		},
	}

	for _, s := range f.clusterCriteria {
		c, err := models.ParseCriterion(s)
		if err != nil {
			return nil, fmt.Errorf("--cluster-criterion: %w", err)
		}
		req.Criteria.ClusterCriteria = append(req.Criteria.ClusterCriteria, c)
	}
	if f.commandCriterion != "" {
		c, err := models.ParseCriterion(f.commandCriterion)
		if err != nil {
			return nil, fmt.Errorf("--command-criterion: %w", err)
		}
		req.Criteria.CommandCriterion = c
	}

	if f.timeout < 0 {
		return nil, fmt.Errorf("--timeout must not be negative")
	}
	if f.timeout > 0 {
		t := f.timeout
		req.AgentConfig.TimeoutSeconds = &t
	}
	if f.memory < 0 {
		return nil, fmt.Errorf("--memory must not be negative")
	}
	if f.memory > 0 {
		m := f.memory
		req.RequestedMemory = &m
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
