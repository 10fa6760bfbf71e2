package runstore

import (
	"time"
)

// WorkflowRun 一次工作流执行的记录
type WorkflowRun struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"`
	WorkflowID string     `gorm:"size:64;not null;index:idx_workflow_runs_workflow_id" json:"workflow_id"`
	Name       string     `gorm:"size:255" json:"name"`
	EngineType string     `gorm:"size:64" json:"engine_type"`
	Status     string     `gorm:"size:32;not null" json:"status"`
	TaskCount  int        `json:"task_count"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	ErrorCode  string     `gorm:"size:64" json:"error_code,omitempty"`
	StartedAt  time.Time  `gorm:"not null;index:idx_workflow_runs_started_at" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`

	Tasks []TaskRun `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"tasks,omitempty"`
}

// TableName 表名
func (WorkflowRun) TableName() string { return "workflow_runs" }

// TaskRun 一次运行中某个任务的最新状态
type TaskRun struct {
	ID        uint           `gorm:"primaryKey" json:"-"`
	RunID     string         `gorm:"size:64;not null;uniqueIndex:idx_task_runs_run_task" json:"run_id"`
	TaskID    string         `gorm:"size:64;not null;uniqueIndex:idx_task_runs_run_task" json:"task_id"`
	Name      string         `gorm:"size:255" json:"name"`
	Agent     string         `gorm:"size:255" json:"agent"`
	Status    string         `gorm:"size:32;not null" json:"status"`
	Attempts  int            `json:"attempts"`
	Cached    bool           `json:"cached"`
	Error     string         `gorm:"type:text" json:"error,omitempty"`
	Outputs   map[string]any `gorm:"type:text;serializer:json" json:"outputs,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName 表名
func (TaskRun) TableName() string { return "task_runs" }
