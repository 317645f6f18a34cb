package urlpattern

import (
	"testing"

	"netintercept/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func str(s string) *string { return &s }

func patternSpec(protocol, hostname, port, pathname, search *string) Spec {
	return Spec{Type: string(KindPattern), Protocol: protocol, Hostname: hostname, Port: port, Pathname: pathname, Search: search}
}

func requireInvalid(t *testing.T, s Spec, msg string) {
	t.Helper()
	_, err := Compile(s)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidArgument), "code of %v", err)
	assert.Equal(t, msg, err.Error())
}

func TestCompileUnknownType(t *testing.T) {
	requireInvalid(t, Spec{Type: "regex"}, "Unknown URL pattern type 'regex'")
}

func TestCompileStringPattern(t *testing.T) {
	valid := []string{
		"https://example.com/",
		"https://example.com/*",
		"http://*.example.com/path?x=1",
		"file:///tmp/a.txt",
		"data:text/plain,hi",
		// 特殊协议后的斜杠可以缺失或多余，未编码的 % 按字面保留
		"http:www.example.com/",
		"https:/www.example.com/*",
		`https:\\www.example.com/`,
		"https:///www.example.com/",
		"https://www.example.com/%zz",
		"https://www.example.com/100%",
	}
	for _, raw := range valid {
		t.Run(raw, func(t *testing.T) {
			p, err := Compile(StringSpec(raw))
			require.NoError(t, err)
			assert.Equal(t, KindString, p.Kind())
			assert.Equal(t, raw, p.String())
		})
	}

	invalid := []string{"", "foo", "/relative/path", "https://", "http://exa mple.com:99999/"}
	for _, raw := range invalid {
		t.Run("invalid "+raw, func(t *testing.T) {
			requireInvalid(t, StringSpec(raw), "Invalid URL '"+raw+"': TypeError: Failed to construct 'URL': Invalid URL")
		})
	}
}

func TestCompilePatternErrorsInOrder(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		msg  string
	}{
		{"empty protocol", patternSpec(str(""), str(""), str(""), nil, nil), "URL pattern must specify a protocol"},
		{"empty hostname", patternSpec(str("https"), str(""), str(""), nil, nil), "URL pattern must specify a hostname"},
		{"colon in hostname", patternSpec(str("https"), str("abc:com"), nil, nil, nil), "URL pattern hostname must not contain a colon"},
		{"double colon in hostname", patternSpec(str("https"), str("abc::com"), nil, nil, nil), "URL pattern hostname must not contain a colon"},
		{"bracketed ipv6", patternSpec(str("http"), str("[::1]"), nil, nil, nil), "URL pattern hostname must not contain a colon"},
		{"colon before empty port", patternSpec(str("https"), str("a:b"), str(""), nil, nil), "URL pattern hostname must not contain a colon"},
		{"empty port", patternSpec(str("https"), str("example.com"), str(""), nil, nil), "URL pattern must specify a port"},
		{"missing protocol", patternSpec(nil, str("example.com"), nil, nil, nil), errURLConstruct},
		{"special scheme without host", patternSpec(str("https"), nil, nil, str("/a"), nil), errURLConstruct},
		{"bad port", patternSpec(str("https"), str("example.com"), str("http"), nil, nil), errURLConstruct},
		{"port out of range", patternSpec(str("https"), str("example.com"), str("70000"), nil, nil), errURLConstruct},
		{"pathname with query", patternSpec(str("https"), str("example.com"), nil, str("/a?b"), nil), errURLConstruct},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requireInvalid(t, tc.spec, tc.msg)
		})
	}
}

func TestCompileErrorIsDeterministic(t *testing.T) {
	s := patternSpec(str("https"), str("abc:com"), nil, nil, nil)
	_, first := Compile(s)
	_, second := Compile(s)
	require.Error(t, first)
	assert.Equal(t, first.Error(), second.Error())
}

func TestCompileNonSpecialSchemeKeepsPort(t *testing.T) {
	p, err := Compile(patternSpec(str("sftp"), str("example.com"), str("22"), nil, nil))
	require.NoError(t, err)
	assert.True(t, p.Match("sftp://example.com:22/file"))
	assert.False(t, p.Match("sftp://example.com:2222/file"))

	anyPort, err := Compile(patternSpec(str("sftp"), str("example.com"), nil, nil, nil))
	require.NoError(t, err)
	assert.True(t, anyPort.Match("sftp://example.com:2222/file"))
	assert.True(t, anyPort.Match("sftp://example.com/file"))
}

func TestPatternDefaultPort(t *testing.T) {
	p := MustCompile(patternSpec(str("https"), str("example.com"), nil, nil, nil))
	assert.True(t, p.Match("https://example.com/"))
	assert.True(t, p.Match("https://example.com:443/x"))
	assert.False(t, p.Match("https://example.com:8443/x"))
	assert.False(t, p.Match("http://example.com/"))
}

func TestPatternFieldMatching(t *testing.T) {
	p := MustCompile(patternSpec(str("HTTPS:"), str("Example.com"), nil, str("/api"), str("?q=1")))
	assert.True(t, p.Match("https://example.com/api?q=1"))
	assert.True(t, p.Match("HTTPS://EXAMPLE.COM/api?q=1"))
	assert.False(t, p.Match("https://example.com/api?q=2"))
	assert.False(t, p.Match("https://example.com/api/v2?q=1"))
	assert.False(t, p.Match("https://example.com/API?q=1"))

	protocolOnly := patternSpec(str("https"), nil, nil, nil, nil)
	requireInvalid(t, protocolOnly, errURLConstruct)

	wild := MustCompile(patternSpec(str("https"), str("anything.test"), nil, nil, nil))
	assert.True(t, wild.Match("https://anything.test/any?x"))
	assert.True(t, wild.Match("https://anything.test"))
	assert.False(t, wild.Match("wss://anything.test/"))
	assert.False(t, wild.Match("not a url"))
}

func TestStringPatternGlob(t *testing.T) {
	p := MustCompile(StringSpec("https://example.com/*"))
	assert.True(t, p.Match("https://example.com/"))
	assert.True(t, p.Match("https://example.com/a/b?c=d"))
	assert.False(t, p.Match("http://example.com/a"))
	assert.False(t, p.Match("https://EXAMPLE.com/a"))

	// ? 按字面匹配
	q := MustCompile(StringSpec("https://example.com/a?b=1"))
	assert.True(t, q.Match("https://example.com/a?b=1"))
	assert.False(t, q.Match("https://example.com/aXb=1"))

	mid := MustCompile(StringSpec("https://*.example.com/*.js"))
	assert.True(t, mid.Match("https://cdn.example.com/lib/app.js"))
	assert.False(t, mid.Match("https://cdn.example.com/lib/app.css"))
}

// 字段完整的结构化模式与同一 URL 的字面模式匹配同样的请求
func TestStructuredMatchesStringEquivalent(t *testing.T) {
	lit := MustCompile(StringSpec("https://www.example.com/"))
	structured := MustCompile(patternSpec(str("https"), str("www.example.com"), nil, str("/"), nil))

	for _, u := range []string{
		"https://www.example.com/",
		"https://www.example.com/other.html",
		"http://www.example.com/",
		"https://example.org/",
	} {
		assert.Equal(t, lit.Match(u), structured.Match(u), u)
	}
	assert.True(t, structured.Match("https://www.example.com/"))
}

// 结构化模式比较的是解析后的字段：显式的默认端口与主机名大小写不影响匹配，
// 字面模式逐字符比较，二者在这些写法上结果不同
func TestStructuredMatchesNormalizedURL(t *testing.T) {
	lit := MustCompile(StringSpec("https://www.example.com/"))
	structured := MustCompile(patternSpec(str("https"), str("www.example.com"), nil, str("/"), nil))

	for _, u := range []string{
		"https://www.example.com:443/",
		"https://WWW.example.com/",
		"HTTPS://www.example.com/",
	} {
		assert.True(t, structured.Match(u), u)
		assert.False(t, lit.Match(u), u)
	}
	assert.False(t, structured.Match("https://www.example.com:8443/"))
}

func TestLenientURLInput(t *testing.T) {
	p := MustCompile(StringSpec("https:/www.example.com/*"))
	assert.True(t, p.Match("https:/www.example.com/a"), "glob compares the literal text")
	assert.False(t, p.Match("https://www.example.com/a"))

	structured := MustCompile(patternSpec(str("https"), str("www.example.com"), nil, nil, nil))
	assert.True(t, structured.Match("https:www.example.com/"))
	assert.True(t, structured.Match("https:\\\\www.example.com/"))

	pct := MustCompile(patternSpec(str("https"), str("www.example.com"), nil, str("/%zz"), str("q=%")))
	assert.True(t, pct.Match("https://www.example.com/%zz?q=%"))
	assert.False(t, pct.Match("https://www.example.com/zz?q=%"))
}

func TestDescribe(t *testing.T) {
	p := MustCompile(patternSpec(str("http"), str("localhost"), str("8080"), str("/x"), nil))
	assert.Equal(t, "pattern(protocol=http hostname=localhost port=8080 pathname=/x)", p.String())
}
