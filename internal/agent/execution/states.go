// Package execution runs a job on the agent as a fixed sequence of states.
package execution

// State is one step of the agent job lifecycle
type State string

const (
	StateStart                   State = "START"
	StateClaimJob                State = "CLAIM_JOB"
	StateConfigureAgent          State = "CONFIGURE_AGENT"
	StateResolveJobSpecification State = "RESOLVE_JOB_SPECIFICATION"
	StateCreateJobDirectory      State = "CREATE_JOB_DIRECTORY"
	StateDownloadJobDependencies State = "DOWNLOAD_JOB_DEPENDENCIES"
	StateCreateJobScript         State = "CREATE_JOB_SCRIPT"
	StateLaunchJob               State = "LAUNCH_JOB"
	StateMonitorJob              State = "MONITOR_JOB"
	StateDetermineJobOutcome     State = "DETERMINE_JOB_OUTCOME"
	StateArchiveJobOutputs       State = "ARCHIVE_JOB_OUTPUTS"
	StateCleanupJobDirectory     State = "CLEANUP_JOB_DIRECTORY"
	StateShutdown                State = "SHUTDOWN"
	StateEnd                     State = "END"
)

// StateInfo is the fixed behaviour of a state
type StateInfo struct {
	// Retries is the number of extra attempts after a failure
	Retries int
	// Critical failures are fatal and jump to the outcome state
	Critical bool
	// SkipOnAbort states are not run once the job was killed
	SkipOnAbort bool
}

// States lists the states in execution order, END excluded
var States = []State{
	StateStart,
	StateClaimJob,
	StateConfigureAgent,
	StateResolveJobSpecification,
	StateCreateJobDirectory,
	StateDownloadJobDependencies,
	StateCreateJobScript,
	StateLaunchJob,
	StateMonitorJob,
	StateDetermineJobOutcome,
	StateArchiveJobOutputs,
	StateCleanupJobDirectory,
	StateShutdown,
}

var stateTable = map[State]StateInfo{
	StateStart:                   {},
	StateClaimJob:                {Retries: 1, Critical: true},
	StateConfigureAgent:          {Critical: true},
	StateResolveJobSpecification: {Retries: 2, Critical: true},
	StateCreateJobDirectory:      {Critical: true},
	StateDownloadJobDependencies: {Retries: 2, Critical: true, SkipOnAbort: true},
	StateCreateJobScript:         {Critical: true, SkipOnAbort: true},
	StateLaunchJob:               {Critical: true, SkipOnAbort: true},
	StateMonitorJob:              {Critical: true},
	StateDetermineJobOutcome:     {},
	StateArchiveJobOutputs:       {Retries: 2, SkipOnAbort: true},
	StateCleanupJobDirectory:     {SkipOnAbort: true},
	StateShutdown:                {},
}

// Info returns the table entry of s
func Info(s State) StateInfo { return stateTable[s] }

var nextState = func() map[State]State {
	m := make(map[State]State, len(States))
	for i, s := range States {
		if i+1 < len(States) {
			m[s] = States[i+1]
		} else {
			m[s] = StateEnd
		}
	}
	return m
}()

// Next returns the state after s
func Next(s State) State {
	if n, ok := nextState[s]; ok {
		return n
	}
	return StateEnd
}
