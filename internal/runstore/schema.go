package runstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/internal/database"
)

// Open 打开运行记录库并确保表结构就绪
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, *database.PoolManager, error) {
	pm, err := database.Open(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	store := New(pm.DB(), logger)

	if err := EnsureSchema(ctx, cfg, store, logger); err != nil {
		_ = pm.Close()
		return nil, nil, err
	}
	return store, pm, nil
}

// EnsureSchema sqlite 走 AutoMigrate，其余驱动执行内嵌 SQL 迁移
func EnsureSchema(ctx context.Context, cfg config.DatabaseConfig, store *Store, logger *zap.Logger) error {
	if cfg.Driver == "sqlite" {
		return store.AutoMigrate(ctx)
	}
	mg, err := NewMigrator(cfg, logger)
	if err != nil {
		return err
	}
	defer mg.Close()
	return mg.Up()
}
