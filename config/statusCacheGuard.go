package config

import (
	"context"
	"errors"

	"github.com/mmdatafocus/estate_backend/appctx"
	"gorm.io/gorm"
)

var ErrStatusCacheWrite = errors.New("distribution status is derived from agreements and cannot be written directly")

// ContextKeyAggregateRefresh marks the one code path allowed to rewrite distributions.status.
var ContextKeyAggregateRefresh = appctx.ContextKey("AggregateRefresh")

// StatusCacheGuardPlugin rejects UPDATEs of distributions.status that do not come from
// the aggregate refresh. The column is a materialized view of the agreement rows.
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL.
// - Create is not guarded; a new distribution starts with the aggregate of its fresh agreements.
type StatusCacheGuardPlugin struct{}

func NewStatusCacheGuardPlugin() *StatusCacheGuardPlugin { return &StatusCacheGuardPlugin{} }

func (p *StatusCacheGuardPlugin) Name() string { return "status_cache_guard" }

func (p *StatusCacheGuardPlugin) Initialize(db *gorm.DB) error {
	return db.Callback().Update().Before("gorm:update").Register("status_cache_guard:update", statusCacheGuardCallback)
}

func WithAggregateRefresh(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return appctx.Set(ctx, ContextKeyAggregateRefresh, true)
}

func statusCacheGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil {
		return
	}
	if db.Statement.Schema.Table != "distributions" {
		return
	}
	if ctx := db.Statement.Context; ctx != nil {
		if v, ok := appctx.GetBool(ctx, ContextKeyAggregateRefresh); ok && v {
			return
		}
	}
	if db.Statement.Changed("Status") {
		_ = db.AddError(ErrStatusCacheWrite)
	}
}
