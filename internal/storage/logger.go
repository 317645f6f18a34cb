package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"netintercept/internal/ctxkeys"
	ilog "netintercept/internal/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowThreshold 超过该耗时的 SQL 记为慢查询
const slowThreshold = 200 * time.Millisecond

// GormLogger 将 GORM 日志接入结构化日志，附带命令追踪 ID
type GormLogger struct {
	ilog.Logger
	LogLevel logger.LogLevel
}

// NewGormLogger 创建 GORM 日志适配器，默认只输出告警
func NewGormLogger(l ilog.Logger) *GormLogger {
	return &GormLogger{Logger: l, LogLevel: logger.Warn}
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info 打印info级别日志，msg 为 printf 格式
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.Logger.Info(fmt.Sprintf(msg, data...), "traceId", ctxkeys.TraceID(ctx))
	}
}

// Warn 打印warn级别日志
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.Logger.Warn(fmt.Sprintf(msg, data...), "traceId", ctxkeys.TraceID(ctx))
	}
}

// Error 打印error级别日志
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.Logger.Error(fmt.Sprintf(msg, data...), "traceId", ctxkeys.TraceID(ctx))
	}
}

// Trace 打印SQL日志，未找到记录不视为错误
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{
		"traceId", ctxkeys.TraceID(ctx),
		"sql", sql,
		"rows", rows,
		"timeMs", float64(elapsed.Nanoseconds()) / 1e6,
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= logger.Error:
		l.Logger.Error("SQL执行错误", append(fields, "error", err)...)
	case elapsed > slowThreshold && l.LogLevel >= logger.Warn:
		l.Logger.Warn("慢SQL查询", append(fields, "threshold", slowThreshold.String())...)
	case l.LogLevel == logger.Info:
		l.Logger.Debug("SQL执行", fields...)
	}
}
