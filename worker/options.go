package worker

import "time"

// NonDeterministicPolicy selects how the engine reacts when a workflow
// replay diverges from its history.
type NonDeterministicPolicy string

// Non-deterministic workflow policies.
const (
	PolicyBlockWorkflow NonDeterministicPolicy = "block"
	PolicyFailWorkflow  NonDeterministicPolicy = "fail"
)

// Options are the tuning knobs forwarded verbatim to the engine when a worker
// is registered. Zero values are omitted so the engine applies its defaults.
type Options struct {
	Identity string `json:"identity,omitempty" yaml:"identity,omitempty"`

	MaxConcurrentActivityExecutionSize      int     `json:"max_concurrent_activity_execution_size,omitempty" yaml:"max_concurrent_activity_execution_size,omitempty"`
	WorkerActivitiesPerSecond               float64 `json:"worker_activities_per_second,omitempty" yaml:"worker_activities_per_second,omitempty"`
	MaxConcurrentLocalActivityExecutionSize int     `json:"max_concurrent_local_activity_execution_size,omitempty" yaml:"max_concurrent_local_activity_execution_size,omitempty"`
	WorkerLocalActivitiesPerSecond          float64 `json:"worker_local_activities_per_second,omitempty" yaml:"worker_local_activities_per_second,omitempty"`
	TaskListActivitiesPerSecond             float64 `json:"task_list_activities_per_second,omitempty" yaml:"task_list_activities_per_second,omitempty"`
	MaxConcurrentDecisionTaskExecutionSize  int     `json:"max_concurrent_decision_task_execution_size,omitempty" yaml:"max_concurrent_decision_task_execution_size,omitempty"`
	WorkerDecisionTasksPerSecond            float64 `json:"worker_decision_tasks_per_second,omitempty" yaml:"worker_decision_tasks_per_second,omitempty"`

	AutoHeartBeat          bool `json:"auto_heart_beat,omitempty" yaml:"auto_heart_beat,omitempty"`
	EnableSessionWorker    bool `json:"enable_session_worker,omitempty" yaml:"enable_session_worker,omitempty"`
	DisableStickyExecution bool `json:"disable_sticky_execution,omitempty" yaml:"disable_sticky_execution,omitempty"`

	MaxConcurrentSessionExecutionSize int           `json:"max_concurrent_session_execution_size,omitempty" yaml:"max_concurrent_session_execution_size,omitempty"`
	StickyScheduleToStartTimeout      time.Duration `json:"sticky_schedule_to_start_timeout,omitempty" yaml:"sticky_schedule_to_start_timeout,omitempty"`
	WorkerStopTimeout                 time.Duration `json:"worker_stop_timeout,omitempty" yaml:"worker_stop_timeout,omitempty"`

	NonDeterministicWorkflowPolicy NonDeterministicPolicy `json:"non_deterministic_workflow_policy,omitempty" yaml:"non_deterministic_workflow_policy,omitempty"`
}
