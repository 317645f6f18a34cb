package cdp

import (
	"encoding/json"

	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/tidwall/gjson"
)

// FromRequestPaused 将 Fetch.requestPaused 事件转换为请求快照，原始参数一并保留。
// 带响应状态码或响应错误的事件属于响应阶段
func FromRequestPaused(ev *fetch.RequestPausedReply) (domain.Phase, *traffic.Request, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", nil, err
	}
	req := fromRaw(raw)
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)
	req.FrameID = string(ev.FrameID)

	phase := domain.PhaseBeforeRequestSent
	if ev.ResponseStatusCode != nil || gjson.GetBytes(raw, "responseErrorReason").Exists() {
		phase = domain.PhaseResponseStarted
	}
	return phase, req, nil
}

// FromAuthRequired 将 Fetch.authRequired 事件转换为请求快照
func FromAuthRequired(ev *fetch.AuthRequiredReply) (*traffic.Request, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	req := fromRaw(raw)
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)
	req.FrameID = string(ev.FrameID)
	return req, nil
}

// fromRaw 从事件 JSON 中读取可选字段
func fromRaw(raw []byte) *traffic.Request {
	req := traffic.NewRequest()
	req.Raw = raw
	req.NetworkID = gjson.GetBytes(raw, "networkId").String()
	gjson.GetBytes(raw, "request.headers").ForEach(func(k, v gjson.Result) bool {
		req.Headers[k.String()] = v.String()
		return true
	})
	return req
}

// ToHeaderEntries 将头部列表转换为 CDP Header 条目
func ToHeaderEntries(hs []domain.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(hs))
	for _, h := range hs {
		entries = append(entries, fetch.HeaderEntry{Name: h.Name, Value: h.Value})
	}
	return entries
}
