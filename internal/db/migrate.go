package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// migrationLockKey serializes concurrent Migrate calls across processes.
const migrationLockKey = "issue-index|schema-migration"

// post_automigrate.sql adds the indexes and check constraints gorm tags
// cannot express. It only touches tables this service owns, and constraints
// are created only when missing.
//
//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

// Migrate creates or updates job_issue_index and job_cluster_mapping.
// cluster_snapshots and bucket_articles belong to the clustering pipeline and
// are never altered here.
func (p *Pool) Migrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return errNotInitialized
	}

	models := ownedModels()
	return p.gdb.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		tx := &gormTx{rawSQL: rawSQL{gdb: gtx}}
		if err := AcquireXactLock(ctx, tx, migrationLockKey); err != nil {
			return err
		}
		if err := gtx.AutoMigrate(models...); err != nil {
			return fmt.Errorf("gorm auto-migrate %d models: %w", len(models), err)
		}
		return execMigrationSQL(ctx, tx, "post-auto-migrate", postAutoMigrateSQL)
	})
}

func execMigrationSQL(ctx context.Context, q Querier, label, sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return nil
	}
	if _, err := q.Exec(ctx, trimmed); err != nil {
		return fmt.Errorf("execute %s SQL: %w", label, err)
	}
	return nil
}
