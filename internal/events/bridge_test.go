package events

import (
	"encoding/json"
	"testing"

	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func pausedRequest() *traffic.Request {
	req := traffic.NewRequest()
	req.ID = "interception-1"
	req.NetworkID = "net-1"
	req.FrameID = "frame-1"
	req.URL = "https://www.example.com/"
	req.Method = "GET"
	req.ResourceType = "Document"
	req.Headers.Set("Accept", "text/html")
	return req
}

func TestMethodNames(t *testing.T) {
	assert.Equal(t, "cdp.Fetch.requestPaused", MethodName(domain.PhaseBeforeRequestSent))
	assert.Equal(t, "cdp.Fetch.requestPaused", MethodName(domain.PhaseResponseStarted))
	assert.Equal(t, "cdp.Fetch.authRequired", MethodName(domain.PhaseAuthRequired))
	assert.Equal(t, "Fetch.authRequired", ChannelEvent(domain.PhaseAuthRequired))
}

func TestEmitRequiresSubscription(t *testing.T) {
	b := New(Config{Session: "target-1"})
	assert.False(t, b.EmitPaused(domain.PhaseBeforeRequestSent, pausedRequest()))
	assert.Len(t, b.out, 0)

	require.NoError(t, b.Subscribe("cdp.Fetch.requestPaused"))
	assert.True(t, b.EmitPaused(domain.PhaseBeforeRequestSent, pausedRequest()))
	assert.False(t, b.EmitPaused(domain.PhaseAuthRequired, pausedRequest()), "authRequired not subscribed")
	assert.Len(t, b.out, 1)
}

func TestModuleSubscription(t *testing.T) {
	b := New(Config{Session: "target-1"})
	require.NoError(t, b.Subscribe("cdp"))
	assert.True(t, b.Subscribed("cdp.Fetch.requestPaused"))
	assert.True(t, b.Subscribed("cdp.Fetch.authRequired"))
	assert.False(t, b.Subscribed("cdpx.Fetch.requestPaused"))

	require.NoError(t, b.Unsubscribe("cdp"))
	assert.False(t, b.Subscribed("cdp.Fetch.requestPaused"))
}

func TestSubscribeValidation(t *testing.T) {
	b := New(Config{})
	err := b.Subscribe()
	assert.True(t, domain.IsCode(err, domain.CodeInvalidArgument))

	err = b.Subscribe("cdp.Fetch.requestPaused", "network.beforeRequestSent")
	require.Error(t, err)
	assert.Equal(t, "Unknown event 'network.beforeRequestSent'", err.Error())
	assert.False(t, b.Subscribed("cdp.Fetch.requestPaused"), "subscribe is all or nothing")

	err = b.Unsubscribe("cdp.Fetch.requestPaused")
	assert.True(t, domain.IsCode(err, domain.CodeInvalidArgument))
}

func TestEventEnvelopeFromSnapshot(t *testing.T) {
	b := New(Config{Session: "target-1"})
	require.NoError(t, b.Subscribe("cdp.Fetch.requestPaused"))
	require.True(t, b.EmitPaused(domain.PhaseBeforeRequestSent, pausedRequest()))

	msg := <-b.Events()
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	doc := gjson.ParseBytes(data)
	assert.Equal(t, "event", doc.Get("type").String())
	assert.Equal(t, "cdp.Fetch.requestPaused", doc.Get("method").String())
	assert.Equal(t, "Fetch.requestPaused", doc.Get("params.event").String())
	assert.Equal(t, "target-1", doc.Get("params.session").String())
	assert.Equal(t, "interception-1", doc.Get("params.params.requestId").String())
	assert.Equal(t, "frame-1", doc.Get("params.params.frameId").String())
	assert.Equal(t, "net-1", doc.Get("params.params.networkId").String())
	assert.Equal(t, "Document", doc.Get("params.params.resourceType").String())
	assert.Equal(t, "https://www.example.com/", doc.Get("params.params.request.url").String())
	assert.Equal(t, "text/html", doc.Get("params.params.request.headers.Accept").String())
}

func TestEventEnvelopeKeepsRawParams(t *testing.T) {
	b := New(Config{Session: "target-1"})
	require.NoError(t, b.Subscribe("cdp"))

	req := pausedRequest()
	req.Raw = json.RawMessage(`{"requestId":"interception-1","responseStatusCode":200}`)
	require.True(t, b.EmitPaused(domain.PhaseResponseStarted, req))

	msg := <-b.Events()
	assert.JSONEq(t, `{"requestId":"interception-1","responseStatusCode":200}`, string(msg.Params.Params))
}

func TestEmitDropsWhenFull(t *testing.T) {
	b := New(Config{Session: "target-1", Capacity: 1})
	require.NoError(t, b.Subscribe("cdp"))

	assert.True(t, b.EmitPaused(domain.PhaseBeforeRequestSent, pausedRequest()))
	assert.False(t, b.EmitPaused(domain.PhaseBeforeRequestSent, pausedRequest()))
	assert.Len(t, b.out, 1)

	b.Close()
	_, ok := <-b.Events()
	assert.True(t, ok)
	_, ok = <-b.Events()
	assert.False(t, ok)
}
