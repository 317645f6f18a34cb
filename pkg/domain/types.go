package domain

type SessionID string
type InterceptID string
type RequestID string
type NetworkID string
type FrameID string

// Phase 网络请求生命周期中可暂停的阶段
type Phase string

const (
	PhaseBeforeRequestSent Phase = "beforeRequestSent"
	PhaseResponseStarted   Phase = "responseStarted"
	PhaseAuthRequired      Phase = "authRequired"
)

// Phases 按文档顺序返回全部阶段
func Phases() []Phase {
	return []Phase{PhaseBeforeRequestSent, PhaseResponseStarted, PhaseAuthRequired}
}

// Valid 判断阶段取值是否合法
func (p Phase) Valid() bool {
	switch p {
	case PhaseBeforeRequestSent, PhaseResponseStarted, PhaseAuthRequired:
		return true
	}
	return false
}

// PhaseSet 阶段集合
type PhaseSet map[Phase]struct{}

// NewPhaseSet 由阶段列表构建集合
func NewPhaseSet(phases ...Phase) PhaseSet {
	s := make(PhaseSet, len(phases))
	for _, p := range phases {
		s[p] = struct{}{}
	}
	return s
}

func (s PhaseSet) Has(p Phase) bool {
	_, ok := s[p]
	return ok
}

// Equal 两个集合包含相同的阶段
func (s PhaseSet) Equal(o PhaseSet) bool {
	if len(s) != len(o) {
		return false
	}
	for p := range s {
		if !o.Has(p) {
			return false
		}
	}
	return true
}

// Sorted 按文档顺序返回集合内的阶段
func (s PhaseSet) Sorted() []Phase {
	out := make([]Phase, 0, len(s))
	for _, p := range Phases() {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

type SessionConfig struct {
	DevToolsURL      string `json:"devToolsURL"`
	Target           string `json:"target"`
	ProcessTimeoutMS int    `json:"processTimeoutMS"`
}

// InterceptInfo 已注册拦截规则的只读视图
type InterceptInfo struct {
	ID       InterceptID `json:"intercept"`
	Phases   []Phase     `json:"phases"`
	Patterns []string    `json:"urlPatterns"`
}

// Header 单个请求/响应头
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RequestOverride 继续请求时的可选修改项
type RequestOverride struct {
	URL     *string  `json:"url,omitempty"`
	Method  *string  `json:"method,omitempty"`
	Headers []Header `json:"headers,omitempty"`
	Body    []byte   `json:"body,omitempty"`
}

// ResponseOverride 直接提供响应时的内容
type ResponseOverride struct {
	StatusCode int      `json:"statusCode"`
	Headers    []Header `json:"headers,omitempty"`
	Body       []byte   `json:"body,omitempty"`
}

// AuthAction 认证挑战的处理方式
type AuthAction string

const (
	AuthDefault            AuthAction = "default"
	AuthCancel             AuthAction = "cancel"
	AuthProvideCredentials AuthAction = "provideCredentials"
)

// AuthCredentials 认证凭据
type AuthCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ResolutionKind 暂停请求的一次性处理方式
type ResolutionKind string

const (
	ResolveContinueRequest  ResolutionKind = "continueRequest"
	ResolveContinueResponse ResolutionKind = "continueResponse"
	ResolveContinueWithAuth ResolutionKind = "continueWithAuth"
	ResolveFail             ResolutionKind = "failRequest"
	ResolveProvideResponse  ResolutionKind = "provideResponse"
)

// Resolution 对暂停请求的处理决定
type Resolution struct {
	Kind        ResolutionKind
	Request     *RequestOverride
	Response    *ResponseOverride
	Auth        AuthAction
	Credentials *AuthCredentials
	FailReason  string
}

// Terminal 该处理是否会结束请求
func (r Resolution) Terminal() bool {
	switch r.Kind {
	case ResolveFail, ResolveProvideResponse:
		return true
	case ResolveContinueWithAuth:
		return r.Auth == AuthCancel
	}
	return false
}

// PausedInfo 暂停请求的只读视图
type PausedInfo struct {
	RequestID RequestID     `json:"request"`
	NetworkID NetworkID     `json:"networkId"`
	Phase     Phase         `json:"phase"`
	URL       string        `json:"url"`
	Holders   []InterceptID `json:"intercepts"`
}

type EngineStats struct {
	Intercepts int             `json:"intercepts"`
	Paused     int             `json:"paused"`
	Matched    int64           `json:"matched"`
	Passed     int64           `json:"passed"`
	ByPhase    map[Phase]int64 `json:"byPhase"`
}

// LifecycleKind 生命周期记录类型
type LifecycleKind string

const (
	LifecycleInterceptAdded   LifecycleKind = "intercept_added"
	LifecycleInterceptRemoved LifecycleKind = "intercept_removed"
	LifecyclePaused           LifecycleKind = "paused"
	LifecycleResolved         LifecycleKind = "resolved"
	LifecycleTerminated       LifecycleKind = "terminated"
)

// LifecycleEvent 规则与暂停请求的生命周期记录
type LifecycleEvent struct {
	Session   SessionID     `json:"session"`
	Kind      LifecycleKind `json:"kind"`
	Intercept InterceptID   `json:"intercept,omitempty"`
	RequestID RequestID     `json:"request,omitempty"`
	NetworkID NetworkID     `json:"networkId,omitempty"`
	Phase     Phase         `json:"phase,omitempty"`
	URL       string        `json:"url,omitempty"`
	Holders   []InterceptID `json:"intercepts,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Timestamp int64         `json:"timestamp"`
}
