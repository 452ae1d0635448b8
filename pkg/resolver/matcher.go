package resolver

import (
	"sort"

	"github.com/psantana5/kestrel/pkg/models"
)

// Matches reports whether a candidate satisfies the criterion. Every field
// set on the criterion must match exactly; the candidate tags must contain
// all criterion tags. Unset fields impose no constraint.
func Matches(c models.Criterion, candidateTags []string, name, version, status string) bool {
	if c.Name != "" && c.Name != name {
		return false
	}
	if c.Version != "" && c.Version != version {
		return false
	}
	if c.Status != "" && c.Status != status {
		return false
	}
	if len(c.Tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(candidateTags))
	for _, t := range candidateTags {
		have[t] = struct{}{}
	}
	for _, t := range c.Tags {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// MatchesResource is Matches plus the id check.
func MatchesResource(c models.Criterion, r *models.Resource) bool {
	if c.ID != "" && c.ID != r.ID {
		return false
	}
	return Matches(c, r.Tags, r.Name, r.Version, r.Status)
}

// attached reports whether the command may run on the cluster at all. A
// command naming clusters is attached to exactly those; a command naming none
// relies on its cluster criteria alone.
func attached(cmd *models.Command, cluster *models.Cluster) bool {
	if len(cmd.Clusters) == 0 {
		return len(cmd.ClusterCriteria) > 0
	}
	for _, id := range cmd.Clusters {
		if id == cluster.ID {
			return true
		}
	}
	return false
}

// clusterEligible evaluates the job cluster criterion together with the
// command's own cluster criteria. The first command criterion that merges
// with the job criterion and matches the cluster admits it.
func clusterEligible(jobCriterion models.Criterion, cmd *models.Command, cluster *models.Cluster) bool {
	if !MatchesResource(jobCriterion, &cluster.Resource) {
		return false
	}
	if len(cmd.ClusterCriteria) == 0 {
		return true
	}
	for _, cc := range cmd.ClusterCriteria {
		merged, ok := jobCriterion.Merge(cc)
		if !ok {
			continue
		}
		if MatchesResource(merged, &cluster.Resource) {
			return true
		}
	}
	return false
}

// MatchPairs evaluates a cluster criterion and a command criterion jointly
// over candidate sets and returns every eligible pair, ordered by cluster id
// then command id. Repository implementations that load candidates into
// memory use it to answer FindClusterAndCommandMatches.
func MatchPairs(clusters []*models.Cluster, commands []*models.Command, clusterCriterion, commandCriterion models.Criterion) []models.ClusterCommandMatch {
	var out []models.ClusterCommandMatch
	for _, cmd := range commands {
		if !MatchesResource(commandCriterion, &cmd.Resource) {
			continue
		}
		for _, cluster := range clusters {
			if !attached(cmd, cluster) {
				continue
			}
			if clusterEligible(clusterCriterion, cmd, cluster) {
				out = append(out, models.ClusterCommandMatch{Cluster: cluster, Command: cmd})
			}
		}
	}
	sortMatches(out)
	return out
}

func sortMatches(m []models.ClusterCommandMatch) {
	sort.SliceStable(m, func(i, j int) bool {
		if m[i].Cluster.ID != m[j].Cluster.ID {
			return m[i].Cluster.ID < m[j].Cluster.ID
		}
		return m[i].Command.ID < m[j].Command.ID
	})
}
