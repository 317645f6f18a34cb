package cdp

import (
	"context"
	"fmt"
	"sync"

	cdpadapter "netintercept/internal/adapter/cdp"
	"netintercept/internal/logger"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"
)

// Sink 接收通道上报的请求生命周期通知
type Sink interface {
	HandlePhase(ctx context.Context, phase domain.Phase, req *traffic.Request)
	TerminateNetwork(ctx context.Context, nid domain.NetworkID, reason string)
	FinishNetwork(ctx context.Context, nid domain.NetworkID)
	TerminateAll(ctx context.Context, reason string)
}

// Manager 单个调试目标上的请求暂停通道
type Manager struct {
	devtoolsURL string
	target      string
	conn        *rpcc.Conn
	client      *cdp.Client
	ctx         context.Context
	cancel      context.CancelFunc
	sink        Sink
	log         logger.Logger

	mu      sync.Mutex
	enabled bool
	phases  domain.PhaseSet
	done    chan struct{}
}

// New 创建通道管理器
func New(devtoolsURL string, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{devtoolsURL: devtoolsURL, log: l, phases: domain.PhaseSet{}}
}

// SetSink 设置事件接收方，需在 Enable 之前调用
func (m *Manager) SetSink(sink Sink) { m.sink = sink }

// AttachTarget 连接目标，target 为空时选择第一个页面
func (m *Manager) AttachTarget(ctx context.Context, target string) error {
	dt := devtool.New(m.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if target != "" && t.ID == target {
			sel = t
			break
		}
		if target == "" && t.Type == devtool.Page {
			sel = t
			break
		}
	}
	if sel == nil {
		return fmt.Errorf("no target")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		m.cancel()
		return fmt.Errorf("dial target %s: %w", sel.ID, err)
	}
	m.conn = conn
	m.client = cdp.NewClient(conn)
	m.target = sel.ID
	m.log = m.log.With("target", sel.ID)
	m.log.Info("已附加调试目标", "url", sel.URL, "title", sel.Title)
	return nil
}

// Target 已附加的目标 ID
func (m *Manager) Target() string { return m.target }

// Detach 断开目标连接
func (m *Manager) Detach() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	if done != nil {
		<-done
	}
	return err
}

// Enable 启用网络域并开始消费事件流
func (m *Manager) Enable() error {
	if m.client == nil {
		return fmt.Errorf("not attached")
	}
	if m.sink == nil {
		return fmt.Errorf("sink not set")
	}
	if err := m.client.Network.Enable(m.ctx, nil); err != nil {
		return err
	}
	streams, err := m.subscribe()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.done = make(chan struct{})
	m.mu.Unlock()
	go m.consume(streams)
	return nil
}

// ApplyPhases 按规则用到的阶段重新配置 Fetch 拦截，无阶段时关闭
func (m *Manager) ApplyPhases(ctx context.Context, phases domain.PhaseSet) error {
	if m.client == nil {
		return fmt.Errorf("not attached")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(phases) == 0 {
		m.phases = domain.PhaseSet{}
		if !m.enabled {
			return nil
		}
		m.enabled = false
		m.log.Info("已关闭请求拦截")
		return m.client.Fetch.Disable(ctx)
	}

	all := "*"
	var patterns []fetch.RequestPattern
	if phases.Has(domain.PhaseBeforeRequestSent) || phases.Has(domain.PhaseAuthRequired) {
		patterns = append(patterns, fetch.RequestPattern{URLPattern: &all, RequestStage: fetch.RequestStageRequest})
	}
	if phases.Has(domain.PhaseResponseStarted) {
		patterns = append(patterns, fetch.RequestPattern{URLPattern: &all, RequestStage: fetch.RequestStageResponse})
	}
	args := fetch.NewEnableArgs().
		SetPatterns(patterns).
		SetHandleAuthRequests(phases.Has(domain.PhaseAuthRequired))
	if err := m.client.Fetch.Enable(ctx, args); err != nil {
		return err
	}
	m.enabled = true
	m.phases = phases
	m.log.Info("已更新请求拦截阶段", "phases", phases.Sorted())
	return nil
}

// Resolve 将处理决定翻译为 Fetch 域命令，实现 handler.Channel
func (m *Manager) Resolve(ctx context.Context, req *traffic.Request, phase domain.Phase, res domain.Resolution) error {
	if m.client == nil {
		return fmt.Errorf("not attached")
	}
	id := fetch.RequestID(req.ID)

	switch res.Kind {
	case domain.ResolveContinueRequest:
		args := fetch.NewContinueRequestArgs(id)
		if o := res.Request; o != nil {
			if o.URL != nil {
				args.SetURL(*o.URL)
			}
			if o.Method != nil {
				args.SetMethod(*o.Method)
			}
			if len(o.Headers) > 0 {
				args.SetHeaders(cdpadapter.ToHeaderEntries(o.Headers))
			}
			if o.Body != nil {
				args.SetPostData(o.Body)
			}
		}
		m.log.Debug("continue_request", "requestID", req.ID)
		return m.client.Fetch.ContinueRequest(ctx, args)

	case domain.ResolveContinueResponse:
		if phase == domain.PhaseAuthRequired {
			return m.continueWithAuth(ctx, id, domain.AuthDefault, nil)
		}
		m.log.Debug("continue_response", "requestID", req.ID)
		return m.client.Fetch.ContinueResponse(ctx, fetch.NewContinueResponseArgs(id))

	case domain.ResolveContinueWithAuth:
		return m.continueWithAuth(ctx, id, res.Auth, res.Credentials)

	case domain.ResolveFail:
		reason := network.ErrorReasonFailed
		if res.FailReason != "" {
			reason = network.ErrorReason(res.FailReason)
		}
		m.log.Debug("fail_request", "requestID", req.ID, "reason", reason)
		return m.client.Fetch.FailRequest(ctx, fetch.NewFailRequestArgs(id, reason))

	case domain.ResolveProvideResponse:
		r := res.Response
		if r == nil {
			r = &domain.ResponseOverride{}
		}
		code := r.StatusCode
		if code == 0 {
			code = 200
		}
		args := fetch.NewFulfillRequestArgs(id, code)
		if len(r.Headers) > 0 {
			args.SetResponseHeaders(cdpadapter.ToHeaderEntries(r.Headers))
		}
		if len(r.Body) > 0 {
			args.SetBody(r.Body)
		}
		m.log.Debug("fulfill_request", "requestID", req.ID, "status", code)
		return m.client.Fetch.FulfillRequest(ctx, args)
	}
	return fmt.Errorf("unsupported resolution %q", res.Kind)
}

func (m *Manager) continueWithAuth(ctx context.Context, id fetch.RequestID, action domain.AuthAction, creds *domain.AuthCredentials) error {
	resp := fetch.AuthChallengeResponse{Response: "Default"}
	switch action {
	case domain.AuthCancel:
		resp.Response = "CancelAuth"
	case domain.AuthProvideCredentials:
		resp.Response = "ProvideCredentials"
		if creds != nil {
			resp.Username = &creds.Username
			resp.Password = &creds.Password
		}
	}
	m.log.Debug("continue_with_auth", "requestID", id, "action", action)
	return m.client.Fetch.ContinueWithAuth(ctx, fetch.NewContinueWithAuthArgs(id, resp))
}
