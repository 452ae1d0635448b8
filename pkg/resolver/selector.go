package resolver

import (
	"math/rand"
	"sync"

	"github.com/psantana5/kestrel/pkg/models"
)

// Selector picks one pair out of a non-empty match set.
type Selector interface {
	Select(matches []models.ClusterCommandMatch) models.ClusterCommandMatch
}

// LowestIDSelector picks the pair with the lowest cluster id, then the lowest
// command id.
type LowestIDSelector struct{}

// Select implements Selector.
func (LowestIDSelector) Select(matches []models.ClusterCommandMatch) models.ClusterCommandMatch {
	sorted := append([]models.ClusterCommandMatch(nil), matches...)
	sortMatches(sorted)
	return sorted[0]
}

// RandomSelector spreads jobs over equivalent pairs. The pairs are ordered by
// id before drawing so a fixed seed always yields the same sequence.
type RandomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSelector returns a selector drawing from a source seeded with seed.
func NewRandomSelector(seed int64) *RandomSelector {
	return &RandomSelector{rng: rand.New(rand.NewSource(seed))}
}

// Select implements Selector.
func (s *RandomSelector) Select(matches []models.ClusterCommandMatch) models.ClusterCommandMatch {
	sorted := append([]models.ClusterCommandMatch(nil), matches...)
	sortMatches(sorted)

	s.mu.Lock()
	i := s.rng.Intn(len(sorted))
	s.mu.Unlock()
	return sorted[i]
}

// NewSelector maps a configured policy name to a selector.
func NewSelector(policy string, seed int64) Selector {
	if policy == "random" {
		return NewRandomSelector(seed)
	}
	return LowestIDSelector{}
}
