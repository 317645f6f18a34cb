// Package urlpattern 编译并匹配拦截规则使用的 URL 模式。
//
// 支持两种写法：string 为带 * 通配的字面 URL；pattern 为按
// protocol/hostname/port/pathname/search 分字段匹配的结构化模式，
// 省略的字段视为通配。
package urlpattern

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"netintercept/pkg/domain"

	"github.com/tidwall/match"
)

// Kind 模式类型标签
type Kind string

const (
	KindString  Kind = "string"
	KindPattern Kind = "pattern"
)

// errURLConstruct 与浏览器 URL 构造失败时的报错文本保持一致
const errURLConstruct = "TypeError: Failed to construct 'URL': Invalid URL"

// wildcardPlaceholder 校验 string 模式时替换 * 的占位符
const wildcardPlaceholder = "a"

// specialSchemes 特殊协议及其默认端口，file 没有默认端口
var specialSchemes = map[string]string{
	"ftp":   "21",
	"file":  "",
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// Spec 客户端提交的模式描述，字段为 nil 表示省略
type Spec struct {
	Type     string  `json:"type"`
	Pattern  *string `json:"pattern,omitempty"`
	Protocol *string `json:"protocol,omitempty"`
	Hostname *string `json:"hostname,omitempty"`
	Port     *string `json:"port,omitempty"`
	Pathname *string `json:"pathname,omitempty"`
	Search   *string `json:"search,omitempty"`
}

// StringSpec 构造 string 类型的模式描述
func StringSpec(pattern string) Spec {
	return Spec{Type: string(KindString), Pattern: &pattern}
}

// Pattern 编译后的不可变匹配器
type Pattern struct {
	kind   Kind
	source string

	// string 模式
	glob string

	// pattern 模式，nil 表示通配
	protocol *string
	hostname *string
	port     *string
	pathname *string
	search   *string
}

// Compile 校验并编译模式，失败时返回 invalid argument 错误
func Compile(s Spec) (*Pattern, error) {
	switch Kind(s.Type) {
	case KindString:
		raw := ""
		if s.Pattern != nil {
			raw = *s.Pattern
		}
		return compileString(raw)
	case KindPattern:
		return compilePattern(s)
	default:
		return nil, domain.InvalidArgument("Unknown URL pattern type '%s'", s.Type)
	}
}

// MustCompile 编译失败时 panic，仅用于测试与常量模式
func MustCompile(s Spec) *Pattern {
	p, err := Compile(s)
	if err != nil {
		panic(err)
	}
	return p
}

func compileString(raw string) (*Pattern, error) {
	if _, ok := parseAbsolute(strings.ReplaceAll(raw, "*", wildcardPlaceholder)); !ok {
		return nil, domain.InvalidArgument("Invalid URL '%s': %s", raw, errURLConstruct)
	}
	return &Pattern{kind: KindString, source: raw, glob: escapeGlob(raw)}, nil
}

func compilePattern(s Spec) (*Pattern, error) {
	p := &Pattern{kind: KindPattern}

	if s.Protocol != nil {
		proto := strings.ToLower(strings.TrimSuffix(*s.Protocol, ":"))
		if proto == "" {
			return nil, domain.InvalidArgument("URL pattern must specify a protocol")
		}
		p.protocol = &proto
	}
	if s.Hostname != nil {
		if *s.Hostname == "" {
			return nil, domain.InvalidArgument("URL pattern must specify a hostname")
		}
		if strings.Contains(*s.Hostname, ":") {
			return nil, domain.InvalidArgument("URL pattern hostname must not contain a colon")
		}
		host := strings.ToLower(*s.Hostname)
		p.hostname = &host
	}
	if s.Port != nil {
		if *s.Port == "" {
			return nil, domain.InvalidArgument("URL pattern must specify a port")
		}
		port := *s.Port
		p.port = &port
	}
	if s.Pathname != nil {
		path := *s.Pathname
		p.pathname = &path
	}
	if s.Search != nil {
		search := strings.TrimPrefix(*s.Search, "?")
		p.search = &search
	}

	if err := p.construct(); err != nil {
		return nil, err
	}
	if p.port == nil {
		if def := specialSchemes[*p.protocol]; def != "" {
			p.port = &def
		}
	}
	p.source = p.describe()
	return p, nil
}

// construct 将各字段拼成完整 URL 解析，以此校验结构并归一化字段
func (p *Pattern) construct() error {
	invalid := domain.InvalidArgument(errURLConstruct)
	if p.protocol == nil || !validScheme(*p.protocol) {
		return invalid
	}
	proto := *p.protocol
	_, special := specialSchemes[proto]

	if p.port != nil {
		n, err := strconv.Atoi(*p.port)
		if err != nil || n < 0 || n > 65535 || strings.TrimLeft(*p.port, "0123456789") != "" {
			return invalid
		}
		norm := strconv.Itoa(n)
		p.port = &norm
	}
	if p.pathname != nil && strings.ContainsAny(*p.pathname, "?#") {
		return invalid
	}

	var b strings.Builder
	b.WriteString(proto)
	b.WriteString(":")
	if p.hostname != nil {
		b.WriteString("//")
		b.WriteString(*p.hostname)
		if p.port != nil {
			b.WriteString(":")
			b.WriteString(*p.port)
		}
	} else if (special && proto != "file") || p.port != nil {
		return invalid
	}
	if p.pathname != nil {
		if p.hostname != nil && !strings.HasPrefix(*p.pathname, "/") {
			b.WriteString("/")
		}
		b.WriteString(*p.pathname)
	}
	if p.search != nil {
		b.WriteString("?")
		b.WriteString(*p.search)
	}

	u, err := url.Parse(escapeStrayPercent(b.String()))
	if err != nil || !strings.EqualFold(u.Scheme, proto) {
		return invalid
	}
	if p.search != nil {
		search := u.RawQuery
		p.search = &search
	}
	if p.hostname != nil {
		if u.Hostname() != *p.hostname {
			return invalid
		}
	}
	if p.pathname != nil {
		path := u.EscapedPath()
		if u.Opaque != "" {
			path = u.Opaque
		}
		if path == "" && special {
			path = "/"
		}
		p.pathname = &path
	}
	return nil
}

func (p *Pattern) Kind() Kind { return p.kind }

// String 返回模式的可读形式
func (p *Pattern) String() string { return p.source }

// Match 判断请求 URL 是否匹配该模式。
// string 模式逐字符比较；pattern 模式比较解析后的字段，
// 协议与主机名不区分大小写，显式写出的默认端口等同于省略。
func (p *Pattern) Match(rawURL string) bool {
	if p.kind == KindString {
		return match.Match(rawURL, p.glob)
	}
	u, err := url.Parse(normalize(rawURL))
	if err != nil || u.Scheme == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if p.protocol != nil && scheme != *p.protocol {
		return false
	}
	if p.hostname != nil && !strings.EqualFold(u.Hostname(), *p.hostname) {
		return false
	}
	if p.port != nil && effectivePort(scheme, u) != *p.port {
		return false
	}
	if p.pathname != nil && requestPath(scheme, u) != *p.pathname {
		return false
	}
	if p.search != nil && u.RawQuery != *p.search {
		return false
	}
	return true
}

func (p *Pattern) describe() string {
	var parts []string
	add := func(name string, v *string) {
		if v != nil {
			parts = append(parts, fmt.Sprintf("%s=%s", name, *v))
		}
	}
	add("protocol", p.protocol)
	add("hostname", p.hostname)
	add("port", p.port)
	add("pathname", p.pathname)
	add("search", p.search)
	return "pattern(" + strings.Join(parts, " ") + ")"
}

// parseAbsolute 解析绝对 URL：必须带协议，特殊协议（file 除外）必须带主机
func parseAbsolute(raw string) (*url.URL, bool) {
	u, err := url.Parse(normalize(raw))
	if err != nil || u.Scheme == "" || !validScheme(u.Scheme) {
		return nil, false
	}
	scheme := strings.ToLower(u.Scheme)
	if _, special := specialSchemes[scheme]; special && scheme != "file" {
		if u.Opaque != "" || u.Hostname() == "" {
			return nil, false
		}
	}
	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n > 65535 {
			return nil, false
		}
	}
	return u, true
}

// normalize 按浏览器 URL 解析器的宽松规则预处理输入：
// 特殊协议（file 除外）冒号后的斜杠与反斜杠个数不限，缺失也可；
// 后面不是两位十六进制数的 % 按字面保留。
func normalize(raw string) string {
	if i := strings.IndexByte(raw, ':'); i > 0 && validScheme(raw[:i]) {
		scheme := strings.ToLower(raw[:i])
		if _, special := specialSchemes[scheme]; special && scheme != "file" {
			raw = raw[:i] + "://" + strings.TrimLeft(raw[i+1:], `/\`)
		}
	}
	return escapeStrayPercent(raw)
}

func escapeStrayPercent(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && (i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

func effectivePort(scheme string, u *url.URL) string {
	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			return strconv.Itoa(n)
		}
		return port
	}
	return specialSchemes[scheme]
}

func requestPath(scheme string, u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	path := u.EscapedPath()
	if _, special := specialSchemes[scheme]; special && path == "" {
		return "/"
	}
	return path
}

// escapeGlob 只保留 * 作为通配符，其余字符（包括 ? 与 \）按字面匹配
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `?\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		if s[i] == '?' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
