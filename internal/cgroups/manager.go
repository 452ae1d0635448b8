// Package cgroups places a launched job in its own cgroup so the agent can
// cap its memory. Everything here is best effort: a host without a writable
// cgroup hierarchy runs jobs unconstrained.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultRoot is where the cgroup hierarchy is mounted
const DefaultRoot = "/sys/fs/cgroup"

// ErrUnavailable means cgroups cannot be managed on this host
var ErrUnavailable = errors.New("cgroups unavailable")

// Limits are applied to a job cgroup
type Limits struct {
	MemoryMax int64 // bytes, 0 = no limit
	CPUWeight int   // 1-10000, 0 = unset
}

// IsZero reports whether no limit is set
func (l Limits) IsZero() bool { return l.MemoryMax == 0 && l.CPUWeight == 0 }

// Manager creates, joins and deletes job cgroups
type Manager struct {
	root    string
	parent  string
	version int
}

// New creates a manager rooted at DefaultRoot
func New() *Manager {
	return NewWithRoot(DefaultRoot)
}

// NewWithRoot creates a manager for the hierarchy mounted at root
func NewWithRoot(root string) *Manager {
	return &Manager{root: root, parent: "kestrel", version: detectVersion(root)}
}

// Version returns the detected cgroup version (1 or 2)
func (m *Manager) Version() int { return m.version }

func detectVersion(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// Group is a created job cgroup
type Group struct {
	m     *Manager
	paths []string // v2 has one path, v1 one per controller
}

// Create makes the cgroup for jobID. A permission error means the host
// does not let this agent manage cgroups and is reported as ErrUnavailable.
func (m *Manager) Create(jobID string) (*Group, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	name := filepath.Join(m.parent, jobID)

	var paths []string
	if m.version == 2 {
		paths = []string{filepath.Join(m.root, name)}
	} else {
		paths = []string{
			filepath.Join(m.root, "memory", name),
			filepath.Join(m.root, "cpu", name),
		}
	}
	g := &Group{m: m}
	for _, p := range paths {
		if err := os.MkdirAll(p, 0755); err != nil {
			if os.IsPermission(err) || errors.Is(err, os.ErrNotExist) {
				g.Delete()
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			g.Delete()
			return nil, err
		}
		g.paths = append(g.paths, p)
	}
	return g, nil
}

// Paths lists the cgroup directories of the group
func (g *Group) Paths() []string { return g.paths }

// Apply writes limits into the group
func (g *Group) Apply(limits Limits) error {
	if limits.MemoryMax < 0 {
		return fmt.Errorf("invalid memory limit: %d", limits.MemoryMax)
	}
	if limits.CPUWeight < 0 || limits.CPUWeight > 10000 {
		return fmt.Errorf("invalid cpu weight: %d (must be 1-10000)", limits.CPUWeight)
	}
	if g.m.version == 2 {
		if limits.MemoryMax > 0 {
			if err := writeInt(g.paths[0], "memory.max", limits.MemoryMax); err != nil {
				return err
			}
		}
		if limits.CPUWeight > 0 {
			return writeInt(g.paths[0], "cpu.weight", int64(limits.CPUWeight))
		}
		return nil
	}

	if limits.MemoryMax > 0 {
		if err := writeInt(g.paths[0], "memory.limit_in_bytes", limits.MemoryMax); err != nil {
			return err
		}
	}
	if limits.CPUWeight > 0 {
		// weight 100 = 1024 shares
		return writeInt(g.paths[1], "cpu.shares", int64(limits.CPUWeight*1024/100))
	}
	return nil
}

// Join moves pid into every controller of the group
func (g *Group) Join(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	for _, p := range g.paths {
		if err := writeInt(p, "cgroup.procs", int64(pid)); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the group directories. The kernel refuses while processes
// remain, so call it after the job exited.
func (g *Group) Delete() error {
	var errs []string
	for _, p := range g.paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("delete cgroup: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MemoryLimitFromMB converts a job memory size in MB to bytes
func MemoryLimitFromMB(mb int) int64 {
	if mb <= 0 {
		return 0
	}
	return int64(mb) * 1024 * 1024
}

func writeInt(dir, file string, v int64) error {
	return os.WriteFile(filepath.Join(dir, file), []byte(strconv.FormatInt(v, 10)), 0644)
}
