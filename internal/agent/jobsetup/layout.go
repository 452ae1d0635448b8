// Package jobsetup builds the job directory an agent runs a job in: the
// per-resource folders, their downloaded files and the run script.
package jobsetup

import (
	"path/filepath"
)

// File and directory names inside a job directory
const (
	KestrelDirName      = "kestrel"
	ApplicationsDirName = "applications"
	CommandDirName      = "command"
	ClusterDirName      = "cluster"
	DependenciesDirName = "dependencies"
	ConfigDirName       = "config"
	LogsDirName         = "logs"
	SetupFileName       = "setup"
	ScriptFileName      = "run"
	StdoutFileName      = "stdout"
	StderrFileName      = "stderr"
	SetupLogFileName    = "setup.log"
	EnvDumpFileName     = "env.log"
	AgentLogFileName    = "agent.log"
	SetupFailedFileName = "setup_failed.txt"
)

// Layout names the paths of one job directory
type Layout struct {
	Root string
}

// NewLayout returns the layout of the job directory at root
func NewLayout(root string) Layout { return Layout{Root: filepath.Clean(root)} }

func (l Layout) KestrelDir() string { return filepath.Join(l.Root, KestrelDirName) }
func (l Layout) ApplicationsDir() string { return filepath.Join(l.KestrelDir(), ApplicationsDirName) }
func (l Layout) LogsDir() string { return filepath.Join(l.KestrelDir(), LogsDirName) }

func (l Layout) ApplicationDir(id string) string { return filepath.Join(l.ApplicationsDir(), id) }
func (l Layout) CommandDir(id string) string { return filepath.Join(l.KestrelDir(), CommandDirName, id) }
func (l Layout) ClusterDir(id string) string { return filepath.Join(l.KestrelDir(), ClusterDirName, id) }

func (l Layout) Script() string { return filepath.Join(l.Root, ScriptFileName) }
func (l Layout) Stdout() string { return filepath.Join(l.Root, StdoutFileName) }
func (l Layout) Stderr() string { return filepath.Join(l.Root, StderrFileName) }
func (l Layout) SetupLog() string { return filepath.Join(l.LogsDir(), SetupLogFileName) }
func (l Layout) EnvDump() string { return filepath.Join(l.LogsDir(), EnvDumpFileName) }
func (l Layout) AgentLog() string { return filepath.Join(l.LogsDir(), AgentLogFileName) }
func (l Layout) SetupFailedMarker() string { return filepath.Join(l.KestrelDir(), SetupFailedFileName) }

// DependenciesDir is where an entity's dependencies are downloaded
func DependenciesDir(entityDir string) string { return filepath.Join(entityDir, DependenciesDirName) }

// ConfigDir is where an entity's configs are downloaded
func ConfigDir(entityDir string) string { return filepath.Join(entityDir, ConfigDirName) }

// SetupFile is where an entity's setup file is downloaded
func SetupFile(entityDir string) string { return filepath.Join(entityDir, SetupFileName) }

// DependencyGlobs match downloaded resource dependencies, relative to the
// job directory
var DependencyGlobs = []string{
	KestrelDirName + "/{" + ApplicationsDirName + "," + CommandDirName + "," + ClusterDirName + "}/*/" + DependenciesDirName + "/**",
}
