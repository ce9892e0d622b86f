package bus

import "time"

// Task lifecycle topics published by the scheduler.
const (
	TopicTaskStarted   = "task.started"
	TopicTaskResumed   = "task.resumed"
	TopicTaskCompleted = "task.completed"
	TopicTaskErrored   = "task.errored"
	TopicTaskCanceled  = "task.canceled"
	TopicTaskClaimed   = "task.claimed"
)

// Cron topics.
const (
	TopicScheduleFired = "schedule.fired"
)

// TaskEvent describes one task transition for one agent.
type TaskEvent struct {
	AgentID    string    `json:"agent_id"`
	Pool       string    `json:"pool"`
	Descriptor string    `json:"descriptor,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// ScheduleEvent is published when a cron schedule queues a descriptor.
type ScheduleEvent struct {
	Name       string    `json:"name"`
	AgentID    string    `json:"agent_id"`
	Descriptor string    `json:"descriptor"`
	NextRunAt  time.Time `json:"next_run_at"`
}
