package jobsetup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/psantana5/kestrel/pkg/models"
)

// Variables the script exports before any setup file runs
const (
	EnvJobDir         = "KESTREL_JOB_DIR"
	EnvApplicationDir = "KESTREL_APPLICATION_DIR"
	EnvCommandDir     = "KESTREL_COMMAND_DIR"
	EnvClusterDir     = "KESTREL_CLUSTER_DIR"
	envSetupLog       = "__KESTREL_SETUP_LOG_FILE"
	envEnvDump        = "__KESTREL_ENVIRONMENT_DUMP_FILE"
	envSetupFailed    = "__KESTREL_SETUP_ERROR_MARKER_FILE"
)

// EnvDumpFilter selects the variables written to the environment dump
const EnvDumpFilter = "^KESTREL_|^PATH=|^JAVA_HOME=|^HADOOP_|^SPARK_"

var trappedSignals = []string{"SIGTERM", "SIGINT", "SIGHUP"}

// doubleQuoted escapes the characters bash still expands inside "..."
var doubleQuoted = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")

type envVar struct {
	Name  string
	Value string
}

type setupRef struct {
	Description string
	Path        string
}

type scriptData struct {
	JobID       string
	Signals     []string
	LocalEnv    []envVar
	ServerEnv   []envVar
	Setups      []setupRef
	SetupLog    string
	SetupFailed string
	EnvDump     string
	DumpFilter  string
	CommandLine string
}

var scriptTemplate = template.Must(template.New("run").Parse(`#!/usr/bin/env bash

#
# Generated by kestrel for job: {{.JobID}}
#

set -o errexit
set -o pipefail
set -o nounset
# keep the original stdout and stderr in fd 6 and 7
exec 6>&1
exec 7>&2

# make sure children are gone before returning
function handle_kill_request {
    echo "Handling $1 signal" >&2
    trap wait {{range .Signals}}{{.}} {{end}}
    pkill -P $$ || true
    for ((iteration=1; iteration < 30; iteration++))
    {
        if pkill -0 -P $$ &> /dev/null;
        then
            echo "Waiting for children to terminate" >&2
            sleep 1
        else
            echo "All children terminated" >&2
            exit 1
        fi
    }
    echo "Terminating all children with SIGKILL" >&2
    pkill -9 -P $$
}
{{range .Signals}}trap 'handle_kill_request {{.}}' {{.}}
{{end}}
# Locally generated environment variables
{{range .LocalEnv}}export {{.Name}}="{{.Value}}"
{{end}}
echo "The job script failed during setup. See {{.SetupLog}} for details" > {{.SetupFailed}}

exec > {{.SetupLog}}
exec 2>&1

echo "Setup start: $(date '+%Y-%m-%d %H:%M:%S')"

# Server provided environment variables
{{range .ServerEnv}}export {{.Name}}="{{.Value}}"
{{end}}
{{range .Setups}}{{if .Path}}echo "Sourcing setup script for {{.Description}}"
source {{.Path}}
{{else}}echo "No setup script for {{.Description}}"
{{end}}{{end}}
echo "Setup end: $(date '+%Y-%m-%d %H:%M:%S')"

rm {{.SetupFailed}}

exec 1>&6 6>&-
exec 2>&7 7>&-

env | grep -E --regexp='{{.DumpFilter}}' | sort > {{.EnvDump}} || true

# the command must stay last so its exit code is the script's
{{.CommandLine}} <&0 &
pid=$!
ppid=$$
{ while kill -0 $ppid &> /dev/null; do sleep 30; done; kill -0 $pid &> /dev/null && kill -9 $pid; } &
wait %1
exit $?
`))

// ref renders path relative to the job directory variable
func ref(l Layout, path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		return path
	}
	return "${" + EnvJobDir + "}/" + filepath.ToSlash(rel)
}

// ComposeScript renders the run script of spec
func ComposeScript(spec *models.JobSpecification, l Layout) (string, error) {
	data := scriptData{
		JobID:   spec.JobID,
		Signals: trappedSignals,
		LocalEnv: []envVar{
			{EnvJobDir, l.Root},
			{EnvApplicationDir, ref(l, l.ApplicationsDir())},
			{EnvCommandDir, ref(l, l.CommandDir(spec.Command.ID))},
			{EnvClusterDir, ref(l, l.ClusterDir(spec.Cluster.ID))},
			{envSetupLog, ref(l, l.SetupLog())},
			{envEnvDump, ref(l, l.EnvDump())},
			{envSetupFailed, ref(l, l.SetupFailedMarker())},
		},
		SetupLog:    "${" + envSetupLog + "}",
		SetupFailed: "${" + envSetupFailed + "}",
		EnvDump:     "${" + envEnvDump + "}",
		DumpFilter:  EnvDumpFilter,
		CommandLine: strings.Join(append(append([]string{}, spec.Executable...), spec.CommandArgs...), " "),
	}

	names := make([]string, 0, len(spec.EnvironmentVariables))
	for k := range spec.EnvironmentVariables {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		data.ServerEnv = append(data.ServerEnv, envVar{k, doubleQuoted.Replace(spec.EnvironmentVariables[k])})
	}

	setup := func(desc string, env models.ExecutionEnvironment, dir string) {
		r := setupRef{Description: desc}
		if env.SetupFile != "" {
			r.Path = ref(l, SetupFile(dir))
		}
		data.Setups = append(data.Setups, r)
	}
	setup("cluster "+spec.Cluster.ID, spec.Cluster.Environment, l.ClusterDir(spec.Cluster.ID))
	for _, app := range spec.Applications {
		setup("application "+app.ID, app.Environment, l.ApplicationDir(app.ID))
	}
	setup("command "+spec.Command.ID, spec.Command.Environment, l.CommandDir(spec.Command.ID))
	setup("job "+spec.JobID, spec.Job.Environment, l.KestrelDir())

	if data.CommandLine == "" {
		return "", fmt.Errorf("job %s has no executable", spec.JobID)
	}
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// CreateJobScript writes the executable run script into the job directory
func (s *Service) CreateJobScript(spec *models.JobSpecification, l Layout) (string, error) {
	script, err := ComposeScript(spec, l)
	if err != nil {
		return "", fmt.Errorf("compose job script: %w", err)
	}
	f, err := os.OpenFile(l.Script(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0755)
	if err != nil {
		return "", fmt.Errorf("create job script: %w", err)
	}
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return "", fmt.Errorf("write job script: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("sync job script: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return l.Script(), nil
}
