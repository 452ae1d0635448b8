package resolver

import (
	"sort"
	"strconv"
	"strings"

	"github.com/psantana5/kestrel/pkg/models"
)

// Environment variables exported to every job.
const (
	EnvVersion              = "KESTREL_VERSION"
	EnvClusterID            = "KESTREL_CLUSTER_ID"
	EnvClusterName          = "KESTREL_CLUSTER_NAME"
	EnvClusterTags          = "KESTREL_CLUSTER_TAGS"
	EnvCommandID            = "KESTREL_COMMAND_ID"
	EnvCommandName          = "KESTREL_COMMAND_NAME"
	EnvCommandTags          = "KESTREL_COMMAND_TAGS"
	EnvJobID                = "KESTREL_JOB_ID"
	EnvJobName              = "KESTREL_JOB_NAME"
	EnvJobMemory            = "KESTREL_JOB_MEMORY"
	EnvJobTags              = "KESTREL_JOB_TAGS"
	EnvJobGrouping          = "KESTREL_JOB_GROUPING"
	EnvJobGroupingInstance  = "KESTREL_JOB_GROUPING_INSTANCE"
	EnvRequestedCommandTags = "KESTREL_REQUESTED_COMMAND_TAGS"
	EnvRequestedClusterTags = "KESTREL_REQUESTED_CLUSTER_TAGS"
	EnvUser                 = "KESTREL_USER"
	EnvUserGroup            = "KESTREL_USER_GROUP"
)

// SpecVersion is the value of KESTREL_VERSION.
const SpecVersion = "1"

var tagEscaper = strings.NewReplacer(`'`, `\'`, `"`, `\"`)

// TagsToString sorts the tags, joins them with commas and escapes quotes.
func TagsToString(tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return tagEscaper.Replace(strings.Join(sorted, ","))
}

// EnvironmentVariables computes the variables a resolved job runs with.
func EnvironmentVariables(req *models.JobRequest, cluster *models.Cluster, command *models.Command, memory int) map[string]string {
	env := map[string]string{
		EnvVersion:              SpecVersion,
		EnvClusterID:            cluster.ID,
		EnvClusterName:          cluster.Name,
		EnvClusterTags:          TagsToString(cluster.Tags),
		EnvCommandID:            command.ID,
		EnvCommandName:          command.Name,
		EnvCommandTags:          TagsToString(command.Tags),
		EnvJobID:                req.ID,
		EnvJobName:              req.Metadata.Name,
		EnvJobMemory:            strconv.Itoa(memory),
		EnvJobTags:              TagsToString(req.Metadata.Tags),
		EnvJobGrouping:          req.Metadata.Grouping,
		EnvJobGroupingInstance:  req.Metadata.GroupingInstance,
		EnvRequestedCommandTags: TagsToString(req.Criteria.CommandCriterion.Tags),
		EnvUser:                 req.Metadata.User,
		EnvUserGroup:            req.Metadata.Group,
	}

	combined := make([]string, 0, len(req.Criteria.ClusterCriteria))
	for i, c := range req.Criteria.ClusterCriteria {
		tags := TagsToString(c.Tags)
		env[EnvRequestedClusterTags+"_"+strconv.Itoa(i)] = tags
		combined = append(combined, "["+tags+"]")
	}
	env[EnvRequestedClusterTags] = "[" + strings.Join(combined, ",") + "]"
	return env
}
