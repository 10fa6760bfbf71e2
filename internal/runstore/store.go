package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentorch/engine"
	"github.com/BaSui01/agentorch/orchestrator"
	"github.com/BaSui01/agentorch/types"
	"github.com/BaSui01/agentorch/workflow"
)

// defaultListLimit ListRuns 未指定 Limit 时的条数
const defaultListLimit = 50

// Store 把运行进度写入数据库，实现 orchestrator.StatusSink
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ orchestrator.StatusSink = (*Store)(nil)

// New 创建运行记录存储
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "runstore")),
		now:    time.Now,
	}
}

// AutoMigrate 用 GORM 建表；sqlite 使用，postgres/mysql 走 SQL 迁移
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&WorkflowRun{}, &TaskRun{}); err != nil {
		return fmt.Errorf("auto migrate run store: %w", err)
	}
	return nil
}

// WorkflowStarted 写入运行记录及全部任务的初始状态
func (s *Store) WorkflowStarted(ctx context.Context, run orchestrator.RunInfo) error {
	row := WorkflowRun{
		ID:         run.RunID,
		WorkflowID: run.WorkflowID,
		Name:       run.Name,
		EngineType: run.EngineType,
		Status:     string(workflow.StatusRunning),
		TaskCount:  len(run.Tasks),
		StartedAt:  s.now().UTC(),
	}
	for _, t := range run.Tasks {
		row.Tasks = append(row.Tasks, taskRow(run.RunID, t))
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record run %s: %w", run.RunID, err)
	}
	s.logger.Debug("run recorded", zap.String("run_id", run.RunID), zap.Int("tasks", len(run.Tasks)))
	return nil
}

// TaskUpdated 按 (run_id, task_id) upsert 任务状态
func (s *Store) TaskUpdated(ctx context.Context, runID string, task *workflow.Task) error {
	if task == nil {
		return nil
	}
	row := taskRow(runID, task)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "attempts", "cached", "error", "outputs", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record task %s of run %s: %w", task.ID, runID, err)
	}
	return nil
}

// WorkflowFinished 写入最终状态
func (s *Store) WorkflowFinished(ctx context.Context, runID string, result *engine.WorkflowResult) error {
	if result == nil {
		return nil
	}
	finished := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&WorkflowRun{}).Where("id = ?", runID).Updates(map[string]any{
		"status":      string(result.Status),
		"error":       result.Error,
		"error_code":  string(result.ErrorCode),
		"finished_at": finished,
		"duration_ms": result.Duration.Milliseconds(),
	})
	if res.Error != nil {
		return fmt.Errorf("finish run %s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrWorkflowNotFound, "run %s not found", runID)
	}
	return nil
}

// ListOptions 运行记录查询条件
type ListOptions struct {
	WorkflowID string
	Status     string
	Limit      int
}

// ListRuns 按开始时间倒序列出运行记录，不含任务明细
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]WorkflowRun, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	q := s.db.WithContext(ctx).Model(&WorkflowRun{})
	if opts.WorkflowID != "" {
		q = q.Where("workflow_id = ?", opts.WorkflowID)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	var runs []WorkflowRun
	if err := q.Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetRun 返回一次运行及其任务
func (s *Store) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	var run WorkflowRun
	err := s.db.WithContext(ctx).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrWorkflowNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &run, nil
}

// DeleteBefore 删除早于 cutoff 开始的运行（任务级联删除）
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&WorkflowRun{}).Select("id").Where("started_at < ?", cutoff.UTC())
		if err := tx.Where("run_id IN (?)", old).Delete(&TaskRun{}).Error; err != nil {
			return err
		}
		res := tx.Where("started_at < ?", cutoff.UTC()).Delete(&WorkflowRun{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete runs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return deleted, nil
}

func taskRow(runID string, t *workflow.Task) TaskRun {
	return TaskRun{
		RunID:    runID,
		TaskID:   t.ID,
		Name:     t.Name,
		Agent:    t.Agent,
		Status:   string(t.Status),
		Attempts: t.Attempts,
		Cached:   t.Cached,
		Error:    t.Error,
		Outputs:  t.Outputs,
	}
}
