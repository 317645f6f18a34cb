package session

import (
	"context"
	"sync"
	"time"

	"netintercept/internal/events"
	"netintercept/internal/handler"
	"netintercept/internal/intercept"
	"netintercept/internal/logger"
	"netintercept/internal/metrics"
	"netintercept/internal/urlpattern"
	"netintercept/pkg/domain"
)

// Channel 会话使用的调试通道
type Channel interface {
	handler.Channel
	ApplyPhases(ctx context.Context, phases domain.PhaseSet) error
}

// Config 会话配置
type Config struct {
	ID               domain.SessionID
	EventSession     string // 事件中携带的会话标识，默认取 ID
	Journal          handler.Journal
	ProcessTimeoutMS int
	EventBuffer      int
	Logger           logger.Logger
}

// Session 单个客户端会话拥有的全部拦截状态
type Session struct {
	id       domain.SessionID
	registry *intercept.Registry
	coord    *handler.Coordinator
	bridge   *events.Bridge
	journal  handler.Journal
	log      logger.Logger

	// mu 串行化规则变更与通道拦截阶段的同步
	mu      sync.Mutex
	channel Channel
	applied domain.PhaseSet
	closed  bool
}

// New 创建会话
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	l := cfg.Logger.With("sessionID", string(cfg.ID))
	evSession := cfg.EventSession
	if evSession == "" {
		evSession = string(cfg.ID)
	}

	s := &Session{
		id:       cfg.ID,
		registry: intercept.New(),
		journal:  cfg.Journal,
		log:      l,
	}
	s.bridge = events.New(events.Config{
		Session:  domain.SessionID(evSession),
		Capacity: cfg.EventBuffer,
		Logger:   l,
	})
	s.coord = handler.New(handler.Config{
		Session:          cfg.ID,
		Matcher:          s.registry,
		Emitter:          s.bridge,
		Journal:          cfg.Journal,
		ProcessTimeoutMS: cfg.ProcessTimeoutMS,
		OnRelease:        s.released,
		Logger:           l,
	})
	return s
}

// ID 会话 ID
func (s *Session) ID() domain.SessionID { return s.id }

// Coordinator 供通道上报阶段通知
func (s *Session) Coordinator() *handler.Coordinator { return s.coord }

// Events 发往客户端的事件
func (s *Session) Events() <-chan events.Message { return s.bridge.Events() }

// Attach 绑定调试通道并按现有规则同步拦截阶段
func (s *Session) Attach(ctx context.Context, ch Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ch
	s.coord.SetChannel(ch)
	return s.sync(ctx)
}

// AddIntercept 注册拦截规则；通道同步失败时回滚
func (s *Session) AddIntercept(ctx context.Context, phases []domain.Phase, specs []urlpattern.Spec) (domain.InterceptID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.registry.Add(phases, specs)
	if err != nil {
		return "", err
	}
	if err := s.sync(ctx); err != nil {
		_ = s.registry.Remove(id)
		s.log.Err(err, "同步拦截阶段失败，回滚规则", "intercept", string(id))
		return "", domain.NewError(domain.CodeUnknownError, "%s", err.Error())
	}

	metrics.RecordInterceptAdded()
	s.log.Info("已添加拦截规则", "intercept", string(id), "phases", phases, "patterns", len(specs))
	s.record(ctx, domain.LifecycleEvent{Kind: domain.LifecycleInterceptAdded, Intercept: id})
	return id, nil
}

// RemoveIntercept 删除拦截规则；已暂停的请求保持暂停，其所处阶段的通道拦截保留到释放为止
func (s *Session) RemoveIntercept(ctx context.Context, id domain.InterceptID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.registry.Remove(id); err != nil {
		return err
	}
	if err := s.sync(ctx); err != nil {
		// 规则已删除，通道多出的拦截阶段会被自动放行
		s.log.Err(err, "同步拦截阶段失败", "intercept", string(id))
	}

	metrics.RecordInterceptRemoved()
	s.log.Info("已删除拦截规则", "intercept", string(id))
	s.record(ctx, domain.LifecycleEvent{Kind: domain.LifecycleInterceptRemoved, Intercept: id})
	return nil
}

// Resolve 处理暂停中的请求
func (s *Session) Resolve(ctx context.Context, id domain.RequestID, res domain.Resolution) error {
	return s.coord.Resolve(ctx, id, res)
}

// Subscribe 订阅事件
func (s *Session) Subscribe(names ...string) error { return s.bridge.Subscribe(names...) }

// Unsubscribe 取消订阅
func (s *Session) Unsubscribe(names ...string) error { return s.bridge.Unsubscribe(names...) }

// Intercepts 当前规则列表
func (s *Session) Intercepts() []domain.InterceptInfo { return s.registry.List() }

// Paused 当前暂停中的请求
func (s *Session) Paused() []domain.PausedInfo { return s.coord.Paused() }

// Stats 统计信息
func (s *Session) Stats() domain.EngineStats {
	st := s.coord.Stats()
	st.Intercepts = s.registry.Len()
	return st
}

// Close 结束会话，清理全部暂停状态后关闭事件通道。须在通道停止上报后调用，重复调用无副作用
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.coord.TerminateAll(ctx, "session ended")
	s.bridge.Close()
}

// wanted 规则用到的阶段加上仍有请求暂停的阶段
func (s *Session) wanted() domain.PhaseSet {
	set := s.registry.Phases()
	for _, p := range s.coord.Paused() {
		set[p.Phase] = struct{}{}
	}
	return set
}

// sync 调用方持有 s.mu
func (s *Session) sync(ctx context.Context) error {
	if s.channel == nil {
		return nil
	}
	set := s.wanted()
	if err := s.channel.ApplyPhases(ctx, set); err != nil {
		return err
	}
	s.applied = set
	return nil
}

// released 请求释放后收窄通道拦截阶段
func (s *Session) released(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.channel == nil || s.wanted().Equal(s.applied) {
		return
	}
	if err := s.sync(ctx); err != nil {
		s.log.Err(err, "收窄拦截阶段失败")
	}
}

func (s *Session) record(ctx context.Context, ev domain.LifecycleEvent) {
	if s.journal == nil {
		return
	}
	ev.Session = s.id
	ev.Timestamp = time.Now().UnixMilli()
	s.journal.Record(ctx, ev)
}
