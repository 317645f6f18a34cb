package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type rpcCall struct {
	Method string
	Params gjson.Result
}

// fakeBrowser 最小的 DevTools 端点：列出目标并应答所有命令
type fakeBrowser struct {
	srv   *httptest.Server
	calls chan rpcCall

	mu sync.Mutex
	ws *websocket.Conn
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	b := &fakeBrowser{calls: make(chan rpcCall, 32)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	list := func(w http.ResponseWriter, _ *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/devtools/page/page-1"
		targets := []map[string]string{
			{"id": "worker-1", "type": "service_worker", "title": "sw", "url": "https://a.test/sw.js", "webSocketDebuggerUrl": wsURL},
			{"id": "page-1", "type": "page", "title": "Example", "url": "about:blank", "webSocketDebuggerUrl": wsURL},
		}
		_ = json.NewEncoder(w).Encode(targets)
	}
	mux.HandleFunc("/json", list)
	mux.HandleFunc("/json/list", list)
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/devtools/page/page-1", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.ws = ws
		b.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg := gjson.ParseBytes(data)
			b.calls <- rpcCall{Method: msg.Get("method").String(), Params: msg.Get("params")}
			b.write(fmt.Sprintf(`{"id":%d,"result":{}}`, msg.Get("id").Int()))
		}
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBrowser) write(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ws != nil {
		_ = b.ws.WriteMessage(websocket.TextMessage, []byte(msg))
	}
}

func (b *fakeBrowser) push(method, params string) {
	b.write(fmt.Sprintf(`{"method":%q,"params":%s}`, method, params))
}

func (b *fakeBrowser) next(t *testing.T) rpcCall {
	t.Helper()
	select {
	case c := <-b.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for command")
		return rpcCall{}
	}
}

// fakeSink 把通知转成字符串便于断言
type fakeSink struct {
	got chan string
	req chan *traffic.Request
}

func newFakeSink() *fakeSink {
	return &fakeSink{got: make(chan string, 32), req: make(chan *traffic.Request, 32)}
}

func (s *fakeSink) HandlePhase(_ context.Context, phase domain.Phase, req *traffic.Request) {
	s.req <- req
	s.got <- "phase " + string(phase) + " " + req.ID
}

func (s *fakeSink) TerminateNetwork(_ context.Context, nid domain.NetworkID, reason string) {
	s.got <- "terminate " + string(nid) + " " + reason
}

func (s *fakeSink) FinishNetwork(_ context.Context, nid domain.NetworkID) {
	s.got <- "finish " + string(nid)
}

func (s *fakeSink) TerminateAll(_ context.Context, reason string) {
	s.got <- "all " + reason
}

func (s *fakeSink) next(t *testing.T) string {
	t.Helper()
	select {
	case v := <-s.got:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return ""
	}
}

const pausedParams = `{
	"requestId": "interception-1",
	"request": {"url": "https://www.example.com/", "method": "GET", "headers": {"Accept": "text/html"}, "initialPriority": "VeryHigh", "referrerPolicy": "no-referrer"},
	"frameId": "frame-1",
	"resourceType": "Document",
	"networkId": "net-1"
}`

func attach(t *testing.T) (*Manager, *fakeBrowser, *fakeSink) {
	t.Helper()
	b := newFakeBrowser(t)
	m := New(b.srv.URL, nil)
	require.NoError(t, m.AttachTarget(context.Background(), ""))
	assert.Equal(t, "page-1", m.Target())

	sink := newFakeSink()
	m.SetSink(sink)
	require.NoError(t, m.Enable())
	assert.Equal(t, "Network.enable", b.next(t).Method)
	t.Cleanup(func() { _ = m.Detach() })
	return m, b, sink
}

func TestAttachUnknownTarget(t *testing.T) {
	b := newFakeBrowser(t)
	m := New(b.srv.URL, nil)
	assert.Error(t, m.AttachTarget(context.Background(), "missing"))
	assert.Error(t, m.Enable())
	assert.NoError(t, m.Detach())
}

func TestApplyPhases(t *testing.T) {
	m, b, _ := attach(t)
	ctx := context.Background()

	// 未启用时关闭为空操作
	require.NoError(t, m.ApplyPhases(ctx, domain.PhaseSet{}))

	require.NoError(t, m.ApplyPhases(ctx, domain.NewPhaseSet(domain.PhaseBeforeRequestSent, domain.PhaseAuthRequired)))
	c := b.next(t)
	assert.Equal(t, "Fetch.enable", c.Method)
	assert.True(t, c.Params.Get("handleAuthRequests").Bool())
	require.Len(t, c.Params.Get("patterns").Array(), 1)
	assert.Equal(t, "*", c.Params.Get("patterns.0.urlPattern").String())
	assert.Equal(t, "Request", c.Params.Get("patterns.0.requestStage").String())

	require.NoError(t, m.ApplyPhases(ctx, domain.NewPhaseSet(domain.PhaseResponseStarted)))
	c = b.next(t)
	assert.Equal(t, "Fetch.enable", c.Method)
	assert.False(t, c.Params.Get("handleAuthRequests").Bool())
	assert.Equal(t, "Response", c.Params.Get("patterns.0.requestStage").String())

	require.NoError(t, m.ApplyPhases(ctx, domain.PhaseSet{}))
	assert.Equal(t, "Fetch.disable", b.next(t).Method)
}

func TestEventsReachSink(t *testing.T) {
	m, b, sink := attach(t)

	b.push("Fetch.requestPaused", pausedParams)
	assert.Equal(t, "phase beforeRequestSent interception-1", sink.next(t))
	req := <-sink.req
	assert.Equal(t, "net-1", req.NetworkID)
	assert.Equal(t, "text/html", req.Headers.Get("Accept"))

	b.push("Fetch.requestPaused", `{"requestId":"interception-2","request":{"url":"https://www.example.com/","method":"GET","headers":{}},"frameId":"frame-1","resourceType":"Document","responseStatusCode":200}`)
	assert.Equal(t, "phase responseStarted interception-2", sink.next(t))

	b.push("Fetch.authRequired", `{"requestId":"interception-3","request":{"url":"https://auth.test/","method":"GET","headers":{}},"frameId":"frame-1","resourceType":"Document","authChallenge":{"origin":"https://auth.test","scheme":"basic","realm":"r"}}`)
	assert.Equal(t, "phase authRequired interception-3", sink.next(t))

	b.push("Network.loadingFailed", `{"requestId":"net-1","timestamp":1,"type":"Document","errorText":"net::ERR_ABORTED"}`)
	assert.Equal(t, "terminate net-1 net::ERR_ABORTED", sink.next(t))

	b.push("Network.loadingFinished", `{"requestId":"net-2","timestamp":2,"encodedDataLength":10}`)
	assert.Equal(t, "finish net-2", sink.next(t))

	require.NoError(t, m.Detach())
	assert.Equal(t, "all channel closed", sink.next(t))
}

func TestResolveCommands(t *testing.T) {
	m, b, _ := attach(t)
	ctx := context.Background()
	req := &traffic.Request{ID: "interception-1"}
	url, method := "https://other.test/", "POST"

	require.NoError(t, m.Resolve(ctx, req, domain.PhaseBeforeRequestSent, domain.Resolution{
		Kind: domain.ResolveContinueRequest,
		Request: &domain.RequestOverride{
			URL:     &url,
			Method:  &method,
			Headers: []domain.Header{{Name: "X-A", Value: "1"}},
			Body:    []byte("hello"),
		},
	}))
	c := b.next(t)
	assert.Equal(t, "Fetch.continueRequest", c.Method)
	assert.Equal(t, "interception-1", c.Params.Get("requestId").String())
	assert.Equal(t, url, c.Params.Get("url").String())
	assert.Equal(t, method, c.Params.Get("method").String())
	assert.Equal(t, "X-A", c.Params.Get("headers.0.name").String())
	assert.Equal(t, "aGVsbG8=", c.Params.Get("postData").String())

	require.NoError(t, m.Resolve(ctx, req, domain.PhaseResponseStarted, domain.Resolution{Kind: domain.ResolveContinueResponse}))
	assert.Equal(t, "Fetch.continueResponse", b.next(t).Method)

	require.NoError(t, m.Resolve(ctx, req, domain.PhaseAuthRequired, domain.Resolution{Kind: domain.ResolveContinueResponse}))
	c = b.next(t)
	assert.Equal(t, "Fetch.continueWithAuth", c.Method)
	assert.Equal(t, "Default", c.Params.Get("authChallengeResponse.response").String())

	require.NoError(t, m.Resolve(ctx, req, domain.PhaseAuthRequired, domain.Resolution{
		Kind:        domain.ResolveContinueWithAuth,
		Auth:        domain.AuthProvideCredentials,
		Credentials: &domain.AuthCredentials{Username: "u", Password: "p"},
	}))
	c = b.next(t)
	assert.Equal(t, "ProvideCredentials", c.Params.Get("authChallengeResponse.response").String())
	assert.Equal(t, "u", c.Params.Get("authChallengeResponse.username").String())
	assert.Equal(t, "p", c.Params.Get("authChallengeResponse.password").String())

	require.NoError(t, m.Resolve(ctx, req, domain.PhaseAuthRequired, domain.Resolution{Kind: domain.ResolveContinueWithAuth, Auth: domain.AuthCancel}))
	assert.Equal(t, "CancelAuth", b.next(t).Params.Get("authChallengeResponse.response").String())

	require.NoError(t, m.Resolve(ctx, req, domain.PhaseBeforeRequestSent, domain.Resolution{Kind: domain.ResolveFail}))
	c = b.next(t)
	assert.Equal(t, "Fetch.failRequest", c.Method)
	assert.Equal(t, "Failed", c.Params.Get("errorReason").String())

	require.NoError(t, m.Resolve(ctx, req, domain.PhaseResponseStarted, domain.Resolution{
		Kind:     domain.ResolveProvideResponse,
		Response: &domain.ResponseOverride{Body: []byte("gone")},
	}))
	c = b.next(t)
	assert.Equal(t, "Fetch.fulfillRequest", c.Method)
	assert.Equal(t, int64(200), c.Params.Get("responseCode").Int())
	assert.Equal(t, "Z29uZQ==", c.Params.Get("body").String())

	assert.Error(t, m.Resolve(ctx, req, domain.PhaseBeforeRequestSent, domain.Resolution{Kind: "bogus"}))
}
