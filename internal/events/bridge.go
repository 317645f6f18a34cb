// Package events 将暂停通知转换为发往客户端的协议事件。
package events

import (
	"encoding/json"
	"strings"
	"sync"

	"netintercept/internal/logger"
	"netintercept/internal/metrics"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"

	"github.com/tidwall/sjson"
)

const (
	cdpModule          = "cdp"
	eventRequestPaused = "Fetch.requestPaused"
	eventAuthRequired  = "Fetch.authRequired"
)

// Message 发往客户端的事件消息
type Message struct {
	Type   string    `json:"type"`
	Method string    `json:"method"`
	Params CDPParams `json:"params"`
}

// CDPParams 透传的调试通道事件
type CDPParams struct {
	Event   string          `json:"event"`
	Params  json.RawMessage `json:"params"`
	Session string          `json:"session"`
}

// ChannelEvent 阶段对应的调试通道事件名
func ChannelEvent(phase domain.Phase) string {
	if phase == domain.PhaseAuthRequired {
		return eventAuthRequired
	}
	return eventRequestPaused
}

// MethodName 阶段对应的客户端事件方法名
func MethodName(phase domain.Phase) string {
	return cdpModule + "." + ChannelEvent(phase)
}

// Bridge 事件桥，按订阅过滤后非阻塞地写入事件通道
type Bridge struct {
	session string
	out     chan Message
	log     logger.Logger

	mu   sync.RWMutex
	subs map[string]struct{}
}

// Config 配置选项
type Config struct {
	Session  domain.SessionID
	Capacity int
	Logger   logger.Logger
}

// New 创建事件桥
func New(cfg Config) *Bridge {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Bridge{
		session: string(cfg.Session),
		out:     make(chan Message, cfg.Capacity),
		log:     cfg.Logger,
		subs:    make(map[string]struct{}),
	}
}

// Events 返回事件通道
func (b *Bridge) Events() <-chan Message { return b.out }

// Subscribe 订阅事件，支持完整事件名或模块名 cdp
func (b *Bridge) Subscribe(names ...string) error {
	if err := validateNames(names); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		b.subs[n] = struct{}{}
	}
	return nil
}

// Unsubscribe 取消订阅
func (b *Bridge) Unsubscribe(names ...string) error {
	if err := validateNames(names); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		if _, ok := b.subs[n]; !ok {
			return domain.InvalidArgument("Cannot unsubscribe from '%s': not subscribed", n)
		}
	}
	for _, n := range names {
		delete(b.subs, n)
	}
	return nil
}

// Subscribed 判断事件方法是否已被订阅
func (b *Bridge) Subscribed(method string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.subs[method]; ok {
		return true
	}
	for n := range b.subs {
		if strings.HasPrefix(method, n+".") {
			return true
		}
	}
	return false
}

// EmitPaused 为一次阶段暂停发送一条事件，未订阅时丢弃
func (b *Bridge) EmitPaused(phase domain.Phase, req *traffic.Request) bool {
	method := MethodName(phase)
	if !b.Subscribed(method) {
		return false
	}
	params, err := eventParams(req)
	if err != nil {
		b.log.Err(err, "构建暂停事件失败", "requestID", req.ID)
		return false
	}
	msg := Message{
		Type:   "event",
		Method: method,
		Params: CDPParams{Event: ChannelEvent(phase), Params: params, Session: b.session},
	}
	select {
	case b.out <- msg:
		metrics.RecordEvent(method)
		return true
	default:
		b.log.Warn("事件通道已满，丢弃暂停事件", "method", method, "requestID", req.ID)
		metrics.RecordEventDropped(method)
		return false
	}
}

// Close 关闭事件通道，仅在不再发送事件后调用
func (b *Bridge) Close() { close(b.out) }

// eventParams 优先透传原始事件参数，缺失时由快照拼装
func eventParams(req *traffic.Request) (json.RawMessage, error) {
	if len(req.Raw) > 0 {
		return req.Raw, nil
	}
	var err error
	raw := []byte(`{}`)
	set := func(path string, v any) {
		if err == nil {
			raw, err = sjson.SetBytes(raw, path, v)
		}
	}
	set("requestId", req.ID)
	set("frameId", req.FrameID)
	if req.NetworkID != "" {
		set("networkId", req.NetworkID)
	}
	set("resourceType", req.ResourceType)
	set("request.url", req.URL)
	set("request.method", req.Method)
	headers := req.Headers
	if headers == nil {
		headers = traffic.Header{}
	}
	set("request.headers", map[string]string(headers))
	return raw, err
}

func validateNames(names []string) error {
	if len(names) == 0 {
		return domain.InvalidArgument("At least one event must be specified.")
	}
	for _, n := range names {
		if n != cdpModule && !strings.HasPrefix(n, cdpModule+".") {
			return domain.InvalidArgument("Unknown event '%s'", n)
		}
	}
	return nil
}
