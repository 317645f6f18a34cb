package handler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"netintercept/internal/logger"
	"netintercept/internal/metrics"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

// Matcher 按阶段匹配拦截规则
type Matcher interface {
	ListMatching(url string, phase domain.Phase) []domain.InterceptID
}

// Channel 调试通道的一次性处理原语
type Channel interface {
	Resolve(ctx context.Context, req *traffic.Request, phase domain.Phase, res domain.Resolution) error
}

// Emitter 暂停事件出口
type Emitter interface {
	EmitPaused(phase domain.Phase, req *traffic.Request) bool
}

// Journal 生命周期记录
type Journal interface {
	Record(ctx context.Context, ev domain.LifecycleEvent)
}

type state int

const (
	stateFlowing state = iota
	statePaused
	stateTerminated
)

// pausedRequest 单个网络请求的拦截状态，由自身的锁保护
type pausedRequest struct {
	mu      sync.Mutex
	id      domain.RequestID
	network domain.NetworkID
	snap    *traffic.Request
	state   state
	phase   domain.Phase
	holders []domain.InterceptID
	visited domain.PhaseSet
	gen     uint64
}

// Coordinator 请求拦截协调器：匹配规则、维护暂停状态并把处理决定下发到通道
type Coordinator struct {
	session domain.SessionID
	matcher Matcher
	channel Channel
	emitter Emitter
	journal Journal
	timeout time.Duration
	onFree  func(ctx context.Context)
	log     logger.Logger

	mu       sync.Mutex
	requests map[domain.RequestID]*pausedRequest
	// byNetwork 一个网络请求的重定向跳转各有独立的拦截 ID
	byNetwork map[domain.NetworkID][]domain.RequestID
	matched   map[domain.Phase]int64
	passed    int64
}

// Config 配置选项
type Config struct {
	Session          domain.SessionID
	Matcher          Matcher
	Channel          Channel
	Emitter          Emitter
	Journal          Journal
	ProcessTimeoutMS int
	// OnRelease 暂停请求离开暂停状态后回调，不持有协调器的锁
	OnRelease func(ctx context.Context)
	Logger    logger.Logger
}

// New 创建协调器
func New(cfg Config) *Coordinator {
	to := cfg.ProcessTimeoutMS
	if to <= 0 {
		to = 3000
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Coordinator{
		session:   cfg.Session,
		matcher:   cfg.Matcher,
		channel:   cfg.Channel,
		emitter:   cfg.Emitter,
		journal:   cfg.Journal,
		timeout:   time.Duration(to) * time.Millisecond,
		onFree:    cfg.OnRelease,
		log:       cfg.Logger,
		requests:  make(map[domain.RequestID]*pausedRequest),
		byNetwork: make(map[domain.NetworkID][]domain.RequestID),
		matched:   make(map[domain.Phase]int64),
	}
}

// SetChannel 设置调试通道
func (c *Coordinator) SetChannel(ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = ch
}

// HandlePhase 处理通道上报的一次阶段进入；同一会话内按顺序调用
func (c *Coordinator) HandlePhase(ctx context.Context, phase domain.Phase, snap *traffic.Request) {
	id := domain.RequestID(snap.ID)
	l := c.log.With("requestID", snap.ID, "phase", string(phase))

	c.mu.Lock()
	rec := c.requests[id]
	c.mu.Unlock()

	if rec != nil {
		rec.mu.Lock()
		switch {
		case rec.state == statePaused:
			held := rec.phase
			rec.mu.Unlock()
			l.Warn("请求仍处于暂停状态，忽略新的阶段通知", "pausedPhase", string(held))
			return
		case rec.visited.Has(phase):
			rec.mu.Unlock()
			l.Debug("阶段重复进入，直接放行")
			c.pass(ctx, phase, snap, l)
			return
		}
		rec.mu.Unlock()
	}

	// 只匹配此刻已注册的规则
	holders := c.matcher.ListMatching(snap.URL, phase)
	if len(holders) == 0 {
		if rec != nil {
			rec.mu.Lock()
			rec.visited[phase] = struct{}{}
			rec.mu.Unlock()
		}
		c.pass(ctx, phase, snap, l)
		return
	}

	if rec == nil {
		rec = &pausedRequest{id: id, visited: domain.PhaseSet{}}
		c.mu.Lock()
		c.requests[id] = rec
		c.mu.Unlock()
	}

	rec.mu.Lock()
	rec.snap = snap
	rec.state = statePaused
	rec.phase = phase
	rec.holders = holders
	rec.visited[phase] = struct{}{}
	rec.gen++
	if snap.NetworkID != "" {
		rec.network = domain.NetworkID(snap.NetworkID)
	}
	nid := rec.network
	rec.mu.Unlock()

	c.mu.Lock()
	if nid != "" && !slices.Contains(c.byNetwork[nid], id) {
		c.byNetwork[nid] = append(c.byNetwork[nid], id)
	}
	c.matched[phase]++
	c.mu.Unlock()

	metrics.RecordPhaseEntry(string(phase), true)
	l.Info("请求已暂停", "url", snap.URL, "intercepts", holders)
	c.record(ctx, domain.LifecycleEvent{
		Kind:      domain.LifecyclePaused,
		RequestID: id,
		NetworkID: nid,
		Phase:     phase,
		URL:       snap.URL,
		Holders:   holders,
	})
	if c.emitter != nil {
		c.emitter.EmitPaused(phase, snap)
	}
}

// pass 未命中规则时立即放行
func (c *Coordinator) pass(ctx context.Context, phase domain.Phase, snap *traffic.Request, l logger.Logger) {
	c.mu.Lock()
	c.passed++
	c.mu.Unlock()
	metrics.RecordPhaseEntry(string(phase), false)

	err := c.call(ctx, snap, phase, autoContinue(phase))
	if err != nil {
		l.Err(err, "放行请求失败，视为请求已终止")
		c.forget(ctx, domain.RequestID(snap.ID), err.Error())
	}
}

// Resolve 一次性释放暂停请求的所有持有者
func (c *Coordinator) Resolve(ctx context.Context, id domain.RequestID, res domain.Resolution) error {
	c.mu.Lock()
	rec := c.requests[id]
	c.mu.Unlock()
	if rec == nil {
		return domain.NoSuchRequest(id)
	}

	rec.mu.Lock()
	if rec.state != statePaused {
		rec.mu.Unlock()
		return domain.NoSuchRequest(id)
	}
	if err := allowed(rec.phase, res); err != nil {
		rec.mu.Unlock()
		return err
	}
	phase, snap, gen, nid := rec.phase, rec.snap, rec.gen, rec.network
	holders := rec.holders
	done := res.Terminal() || (phase == domain.PhaseResponseStarted && res.Kind == domain.ResolveContinueResponse)
	rec.holders = nil
	// 没有网络 ID 的记录无法被 loadingFinished 清理，放行后即丢弃
	if nid == "" {
		done = true
	}
	if done {
		rec.state = stateTerminated
	} else {
		rec.state = stateFlowing
	}
	rec.mu.Unlock()

	if done {
		c.drop(rec)
	}
	metrics.RecordRelease(1)
	defer c.released(ctx)

	err := c.call(ctx, snap, phase, res)
	metrics.RecordResolution(string(res.Kind), err)
	if err != nil {
		c.log.Err(err, "下发处理决定失败，清理请求状态", "requestID", string(id), "kind", string(res.Kind))
		rec.mu.Lock()
		stale := rec.gen != gen
		if !stale {
			rec.state = stateTerminated
		}
		rec.mu.Unlock()
		if !stale {
			c.drop(rec)
		}
		c.record(ctx, domain.LifecycleEvent{
			Kind:      domain.LifecycleTerminated,
			RequestID: id,
			NetworkID: nid,
			Phase:     phase,
			URL:       snap.URL,
			Holders:   holders,
			Detail:    err.Error(),
		})
		return domain.NewError(domain.CodeUnknownError, "%s", err.Error())
	}

	c.log.Info("暂停请求已处理", "requestID", string(id), "phase", string(phase), "kind", string(res.Kind))
	c.record(ctx, domain.LifecycleEvent{
		Kind:      domain.LifecycleResolved,
		RequestID: id,
		NetworkID: nid,
		Phase:     phase,
		URL:       snap.URL,
		Holders:   holders,
		Detail:    string(res.Kind),
	})
	return nil
}

// TerminateNetwork 通道报告网络请求被独立终止（导航中断、加载失败等）
func (c *Coordinator) TerminateNetwork(ctx context.Context, nid domain.NetworkID, reason string) {
	c.mu.Lock()
	ids := slices.Clone(c.byNetwork[nid])
	c.mu.Unlock()
	for _, id := range ids {
		c.forget(ctx, id, reason)
	}
}

// FinishNetwork 网络请求正常结束，清理放行后残留的状态
func (c *Coordinator) FinishNetwork(ctx context.Context, nid domain.NetworkID) {
	c.TerminateNetwork(ctx, nid, "finished")
}

// TerminateAll 通道断开时清理全部请求状态
func (c *Coordinator) TerminateAll(ctx context.Context, reason string) {
	c.mu.Lock()
	ids := make([]domain.RequestID, 0, len(c.requests))
	for id := range c.requests {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.forget(ctx, id, reason)
	}
}

// forget 显式的终止转换：移除记录，若仍在暂停则释放持有者
func (c *Coordinator) forget(ctx context.Context, id domain.RequestID, reason string) {
	c.mu.Lock()
	rec := c.requests[id]
	c.mu.Unlock()
	if rec == nil {
		return
	}

	rec.mu.Lock()
	wasPaused := rec.state == statePaused
	phase, holders, nid := rec.phase, rec.holders, rec.network
	rec.state = stateTerminated
	rec.holders = nil
	url := ""
	if rec.snap != nil {
		url = rec.snap.URL
	}
	rec.mu.Unlock()
	c.drop(rec)

	if !wasPaused {
		return
	}
	defer c.released(ctx)
	metrics.RecordRelease(1)
	metrics.RecordTermination()
	c.log.Info("暂停请求被独立终止", "requestID", string(id), "phase", string(phase), "reason", reason)
	c.record(ctx, domain.LifecycleEvent{
		Kind:      domain.LifecycleTerminated,
		RequestID: id,
		NetworkID: nid,
		Phase:     phase,
		URL:       url,
		Holders:   holders,
		Detail:    reason,
	})
}

func (c *Coordinator) drop(rec *pausedRequest) {
	rec.mu.Lock()
	nid := rec.network
	rec.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.requests[rec.id]; ok && cur == rec {
		delete(c.requests, rec.id)
	}
	if nid == "" {
		return
	}
	ids := slices.DeleteFunc(c.byNetwork[nid], func(id domain.RequestID) bool { return id == rec.id })
	if len(ids) == 0 {
		delete(c.byNetwork, nid)
	} else {
		c.byNetwork[nid] = ids
	}
}

func (c *Coordinator) released(ctx context.Context) {
	if c.onFree != nil {
		c.onFree(ctx)
	}
}

// Tracked 当前保留状态的请求数（暂停中及放行后等待结束的）
func (c *Coordinator) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Paused 返回当前所有暂停中的请求
func (c *Coordinator) Paused() []domain.PausedInfo {
	c.mu.Lock()
	recs := make([]*pausedRequest, 0, len(c.requests))
	for _, r := range c.requests {
		recs = append(recs, r)
	}
	c.mu.Unlock()

	var out []domain.PausedInfo
	for _, r := range recs {
		r.mu.Lock()
		if r.state == statePaused {
			out = append(out, domain.PausedInfo{
				RequestID: r.id,
				NetworkID: r.network,
				Phase:     r.phase,
				URL:       r.snap.URL,
				Holders:   append([]domain.InterceptID(nil), r.holders...),
			})
		}
		r.mu.Unlock()
	}
	return out
}

// Holders 返回请求当前的持有者，未暂停时返回 false
func (c *Coordinator) Holders(id domain.RequestID) ([]domain.InterceptID, bool) {
	c.mu.Lock()
	rec := c.requests[id]
	c.mu.Unlock()
	if rec == nil {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != statePaused {
		return nil, false
	}
	return append([]domain.InterceptID(nil), rec.holders...), true
}

// Stats 统计信息
func (c *Coordinator) Stats() domain.EngineStats {
	paused := len(c.Paused())
	c.mu.Lock()
	defer c.mu.Unlock()
	st := domain.EngineStats{Paused: paused, Passed: c.passed, ByPhase: make(map[domain.Phase]int64, len(c.matched))}
	for p, n := range c.matched {
		st.ByPhase[p] = n
		st.Matched += n
	}
	return st
}

func (c *Coordinator) call(ctx context.Context, snap *traffic.Request, phase domain.Phase, res domain.Resolution) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("channel not attached")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return ch.Resolve(ctx, snap, phase, res)
}

func (c *Coordinator) record(ctx context.Context, ev domain.LifecycleEvent) {
	if c.journal == nil {
		return
	}
	ev.Session = c.session
	ev.Timestamp = time.Now().UnixMilli()
	c.journal.Record(ctx, ev)
}

// autoContinue 未命中时各阶段的默认放行方式
func autoContinue(phase domain.Phase) domain.Resolution {
	switch phase {
	case domain.PhaseResponseStarted:
		return domain.Resolution{Kind: domain.ResolveContinueResponse}
	case domain.PhaseAuthRequired:
		return domain.Resolution{Kind: domain.ResolveContinueWithAuth, Auth: domain.AuthDefault}
	default:
		return domain.Resolution{Kind: domain.ResolveContinueRequest}
	}
}

// allowed 校验处理方式与当前阶段是否相容
func allowed(phase domain.Phase, res domain.Resolution) error {
	var ok bool
	switch res.Kind {
	case domain.ResolveContinueRequest:
		ok = phase == domain.PhaseBeforeRequestSent
	case domain.ResolveContinueResponse:
		ok = phase == domain.PhaseResponseStarted || phase == domain.PhaseAuthRequired
	case domain.ResolveContinueWithAuth:
		ok = phase == domain.PhaseAuthRequired
		if ok {
			switch res.Auth {
			case domain.AuthDefault, domain.AuthCancel:
			case domain.AuthProvideCredentials:
				if res.Credentials == nil {
					return domain.InvalidArgument("Credentials must be provided for action 'provideCredentials'")
				}
			default:
				return domain.InvalidArgument("Unknown auth action '%s'", res.Auth)
			}
		}
	case domain.ResolveFail, domain.ResolveProvideResponse:
		ok = phase == domain.PhaseBeforeRequestSent || phase == domain.PhaseResponseStarted
	default:
		return domain.InvalidArgument("Unknown resolution '%s'", res.Kind)
	}
	if !ok {
		return domain.InvalidArgument("Blocked request is in phase '%s' and cannot be resolved with %s", phase, res.Kind)
	}
	return nil
}
