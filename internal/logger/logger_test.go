package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug").With("sessionID", "s1")

	l.Info("请求已暂停", "requestID", "r1", "holders", 2)
	line := gjson.ParseBytes(bytes.TrimSpace(buf.Bytes()))
	assert.Equal(t, "info", line.Get("level").String())
	assert.Equal(t, "请求已暂停", line.Get("message").String())
	assert.Equal(t, "s1", line.Get("sessionID").String())
	assert.Equal(t, "r1", line.Get("requestID").String())
	assert.Equal(t, int64(2), line.Get("holders").Int())
	assert.True(t, line.Get("time").Exists())

	buf.Reset()
	l.Err(errors.New("boom"), "下发失败", "odd")
	line = gjson.ParseBytes(bytes.TrimSpace(buf.Bytes()))
	assert.Equal(t, "error", line.Get("level").String())
	assert.Equal(t, "boom", line.Get("error").String())
	assert.Equal(t, "(MISSING)", line.Get("odd").String())
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn")
	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	require.NotZero(t, buf.Len())
	assert.Equal(t, "warn", gjson.GetBytes(bytes.TrimSpace(buf.Bytes()), "level").String())
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Info("ignored", "k", "v")
	assert.NotNil(t, l.With("k", "v"))
}
