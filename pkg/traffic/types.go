package traffic

import (
	"encoding/json"
	"sort"
	"strings"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if v, ok := h[key]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Set 设置指定 Header 的值，保留原有大小写的同名键
func (h Header) Set(key, value string) {
	for k := range h {
		if strings.EqualFold(k, key) {
			h[k] = value
			return
		}
	}
	h[key] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	for k := range h {
		if strings.EqualFold(k, key) {
			delete(h, k)
		}
	}
}

// Names 按字典序返回所有头部名
func (h Header) Names() []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Request 暂停时捕获的请求快照
type Request struct {
	ID           string // 拦截 ID（Fetch.requestId）
	NetworkID    string // 网络层请求 ID
	FrameID      string
	URL          string
	Method       string
	Headers      Header
	ResourceType string // 资源类型 (如 Document, XHR)

	// Raw 通道原始事件参数，转发给客户端时原样保留
	Raw json.RawMessage
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{Headers: make(Header)}
}

// Clone 深拷贝快照
func (r *Request) Clone() *Request {
	cp := *r
	cp.Headers = make(Header, len(r.Headers))
	for k, v := range r.Headers {
		cp.Headers[k] = v
	}
	if r.Raw != nil {
		cp.Raw = append(json.RawMessage(nil), r.Raw...)
	}
	return &cp
}
