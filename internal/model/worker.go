package model

import (
	"time"

	"github.com/seantiz/tasklink/worker"
)

// Worker is an engine-side worker as recorded by the emulator.
type Worker struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	Name       string          `json:"name"`
	IsWorkflow bool            `json:"is_workflow"`
	Domain     string          `json:"domain"`
	TaskList   string          `json:"task_list"`
	Options    *worker.Options `json:"options,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
