package storage

import (
	"context"
	"fmt"
	"strings"

	"netintercept/internal/logger"
	"netintercept/pkg/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// LifecycleRecord 拦截与暂停生命周期记录
type LifecycleRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Session   string `gorm:"index;size:64"`
	Kind      string `gorm:"index;size:32"`
	Intercept string `gorm:"size:64"`
	RequestID string `gorm:"index;size:128"`
	NetworkID string `gorm:"size:128"`
	Phase     string `gorm:"size:32"`
	URL       string
	Holders   string // 逗号分隔的拦截 ID
	Detail    string
	Timestamp int64 `gorm:"index"`
}

// Open 打开 sqlite 数据库并迁移表结构
func Open(dsn, prefix string, l logger.Logger) (*gorm.DB, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if strings.Contains(dsn, ":memory:") {
		// 内存库每个连接互相独立
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&LifecycleRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Journal 生命周期日志，写入失败只记录日志不影响拦截流程
type Journal struct {
	db  *gorm.DB
	log logger.Logger
}

// NewJournal 创建日志仓库
func NewJournal(db *gorm.DB, l logger.Logger) *Journal {
	if l == nil {
		l = logger.NewNop()
	}
	return &Journal{db: db, log: l}
}

// Record 写入一条生命周期记录
func (j *Journal) Record(ctx context.Context, ev domain.LifecycleEvent) {
	holders := make([]string, 0, len(ev.Holders))
	for _, h := range ev.Holders {
		holders = append(holders, string(h))
	}
	rec := &LifecycleRecord{
		Session:   string(ev.Session),
		Kind:      string(ev.Kind),
		Intercept: string(ev.Intercept),
		RequestID: string(ev.RequestID),
		NetworkID: string(ev.NetworkID),
		Phase:     string(ev.Phase),
		URL:       ev.URL,
		Holders:   strings.Join(holders, ","),
		Detail:    ev.Detail,
		Timestamp: ev.Timestamp,
	}
	if err := j.db.WithContext(ctx).Create(rec).Error; err != nil {
		j.log.Err(err, "写入生命周期记录失败", "kind", string(ev.Kind), "requestID", string(ev.RequestID))
	}
}

// History 按时间倒序查询会话的生命周期记录，limit <= 0 时不限制
func (j *Journal) History(ctx context.Context, session domain.SessionID, limit int) ([]domain.LifecycleEvent, error) {
	var recs []LifecycleRecord
	q := j.db.WithContext(ctx).Where("session = ?", string(session)).Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.LifecycleEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toEvent())
	}
	return out, nil
}

// Purge 删除会话的全部记录
func (j *Journal) Purge(ctx context.Context, session domain.SessionID) (int64, error) {
	res := j.db.WithContext(ctx).Where("session = ?", string(session)).Delete(&LifecycleRecord{})
	return res.RowsAffected, res.Error
}

func (r LifecycleRecord) toEvent() domain.LifecycleEvent {
	ev := domain.LifecycleEvent{
		Session:   domain.SessionID(r.Session),
		Kind:      domain.LifecycleKind(r.Kind),
		Intercept: domain.InterceptID(r.Intercept),
		RequestID: domain.RequestID(r.RequestID),
		NetworkID: domain.NetworkID(r.NetworkID),
		Phase:     domain.Phase(r.Phase),
		URL:       r.URL,
		Detail:    r.Detail,
		Timestamp: r.Timestamp,
	}
	if r.Holders != "" {
		for _, h := range strings.Split(r.Holders, ",") {
			ev.Holders = append(ev.Holders, domain.InterceptID(h))
		}
	}
	return ev
}
