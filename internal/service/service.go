package service

import (
	"context"
	"fmt"
	"sync"

	"netintercept/internal/cdp"
	"netintercept/internal/events"
	"netintercept/internal/handler"
	"netintercept/internal/logger"
	"netintercept/internal/protocol"
	"netintercept/internal/session"
	"netintercept/internal/storage"
	"netintercept/pkg/domain"

	"github.com/google/uuid"
)

// Target 已附加的调试目标
type Target interface {
	session.Channel
	Target() string
	SetSink(sink cdp.Sink)
	Enable() error
	Detach() error
}

// Dialer 按会话配置连接调试目标
type Dialer func(ctx context.Context, cfg domain.SessionConfig, l logger.Logger) (Target, error)

// DialCDP 通过 DevTools 端点附加目标
func DialCDP(ctx context.Context, cfg domain.SessionConfig, l logger.Logger) (Target, error) {
	m := cdp.New(cfg.DevToolsURL, l)
	if err := m.AttachTarget(ctx, cfg.Target); err != nil {
		return nil, err
	}
	return m, nil
}

type entry struct {
	sess   *session.Session
	target Target
	proc   *protocol.Processor
}

// Service 会话服务：连接目标、创建会话并路由命令
type Service struct {
	sessions    *session.Manager
	dial        Dialer
	journal     *storage.Journal
	eventBuffer int
	log         logger.Logger

	mu      sync.Mutex
	entries map[domain.SessionID]*entry
}

// Option 服务配置项
type Option func(*Service)

// WithDialer 替换目标连接方式
func WithDialer(d Dialer) Option {
	return func(s *Service) { s.dial = d }
}

// WithJournal 启用生命周期日志
func WithJournal(j *storage.Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithEventBuffer 设置每个会话的事件缓冲大小
func WithEventBuffer(n int) Option {
	return func(s *Service) { s.eventBuffer = n }
}

// New 创建服务
func New(l logger.Logger, opts ...Option) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Service{
		sessions: session.NewManager(l),
		dial:     DialCDP,
		log:      l,
		entries:  make(map[domain.SessionID]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSession 附加目标并启动会话
func (s *Service) StartSession(ctx context.Context, cfg domain.SessionConfig) (domain.SessionID, error) {
	t, err := s.dial(ctx, cfg, s.log)
	if err != nil {
		return "", fmt.Errorf("attach target: %w", err)
	}

	id := domain.SessionID(uuid.NewString())
	var journal handler.Journal
	if s.journal != nil {
		journal = s.journal
	}
	sess, ok := s.sessions.Create(session.Config{
		ID:               id,
		EventSession:     t.Target(),
		Journal:          journal,
		ProcessTimeoutMS: cfg.ProcessTimeoutMS,
		EventBuffer:      s.eventBuffer,
		Logger:           s.log,
	})
	if !ok {
		_ = t.Detach()
		return "", fmt.Errorf("session %s already exists", id)
	}

	t.SetSink(sess.Coordinator())
	if err := sess.Attach(ctx, t); err != nil {
		s.abort(ctx, id, sess, t)
		return "", fmt.Errorf("sync intercept phases: %w", err)
	}
	if err := t.Enable(); err != nil {
		s.abort(ctx, id, sess, t)
		return "", fmt.Errorf("enable channel: %w", err)
	}

	s.mu.Lock()
	s.entries[id] = &entry{sess: sess, target: t, proc: protocol.NewProcessor(sess, s.log.With("sessionID", string(id)))}
	s.mu.Unlock()
	s.log.Info("会话已启动", "sessionID", string(id), "target", t.Target())
	return id, nil
}

func (s *Service) abort(ctx context.Context, id domain.SessionID, sess *session.Session, t Target) {
	_ = t.Detach()
	s.sessions.Delete(id)
	sess.Close(ctx)
}

// StopSession 断开目标并结束会话
func (s *Service) StopSession(ctx context.Context, id domain.SessionID) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}

	err := e.target.Detach()
	s.sessions.Delete(id)
	e.sess.Close(ctx)
	if err != nil {
		s.log.Err(err, "断开调试目标失败", "sessionID", string(id))
	}
	s.log.Info("会话已结束", "sessionID", string(id))
	return nil
}

// Execute 在会话上执行一条 JSON 命令
func (s *Service) Execute(ctx context.Context, id domain.SessionID, raw []byte) ([]byte, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return e.proc.Process(ctx, raw), nil
}

// Events 会话的事件通道，会话结束时关闭
func (s *Service) Events(id domain.SessionID) (<-chan events.Message, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return e.sess.Events(), nil
}

// ListIntercepts 当前规则
func (s *Service) ListIntercepts(id domain.SessionID) ([]domain.InterceptInfo, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return e.sess.Intercepts(), nil
}

// ListPaused 当前暂停中的请求
func (s *Service) ListPaused(id domain.SessionID) ([]domain.PausedInfo, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return e.sess.Paused(), nil
}

// GetStats 统计信息
func (s *Service) GetStats(id domain.SessionID) (domain.EngineStats, error) {
	e, err := s.entry(id)
	if err != nil {
		return domain.EngineStats{}, err
	}
	return e.sess.Stats(), nil
}

// History 查询会话生命周期记录，未启用日志时返回空
func (s *Service) History(ctx context.Context, id domain.SessionID, limit int) ([]domain.LifecycleEvent, error) {
	if s.journal == nil {
		return nil, nil
	}
	return s.journal.History(ctx, id, limit)
}

// Close 结束全部会话
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	ids := make([]domain.SessionID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.StopSession(ctx, id)
	}
}

func (s *Service) entry(id domain.SessionID) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return e, nil
}
