package api

import (
	"context"

	"netintercept/internal/events"
	"netintercept/internal/logger"
	"netintercept/internal/service"
	"netintercept/pkg/domain"
)

// Service 服务接口
type Service interface {
	// StartSession 附加调试目标并启动会话
	StartSession(ctx context.Context, cfg domain.SessionConfig) (domain.SessionID, error)

	// StopSession 停止会话，暂停中的请求全部视为终止
	StopSession(ctx context.Context, id domain.SessionID) error

	// Execute 执行一条 JSON 命令并返回 JSON 响应
	Execute(ctx context.Context, id domain.SessionID, command []byte) ([]byte, error)

	// Events 订阅会话事件
	Events(id domain.SessionID) (<-chan events.Message, error)

	// ListIntercepts 列出拦截规则
	ListIntercepts(id domain.SessionID) ([]domain.InterceptInfo, error)

	// ListPaused 列出暂停中的请求
	ListPaused(id domain.SessionID) ([]domain.PausedInfo, error)

	// GetStats 获取统计信息
	GetStats(id domain.SessionID) (domain.EngineStats, error)

	// History 查询生命周期记录
	History(ctx context.Context, id domain.SessionID, limit int) ([]domain.LifecycleEvent, error)

	// Close 结束全部会话
	Close(ctx context.Context)
}

// NewService 创建并返回服务接口实现
func NewService(l logger.Logger, opts ...service.Option) Service {
	return service.New(l, opts...)
}
