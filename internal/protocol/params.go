package protocol

import (
	"encoding/base64"

	"netintercept/internal/urlpattern"
	"netintercept/pkg/domain"

	"github.com/tidwall/gjson"
)

// requiredString 读取必填字符串参数
func requiredString(params gjson.Result, name string) (string, error) {
	r := params.Get(name)
	if r.Type != gjson.String {
		return "", domain.InvalidArgument("Expected '%s' to be a string but got %s", name, typeName(r))
	}
	return r.String(), nil
}

// optionalString 字段缺失时返回 nil
func optionalString(obj gjson.Result, name string) (*string, error) {
	r := obj.Get(name)
	if !r.Exists() {
		return nil, nil
	}
	if r.Type != gjson.String {
		return nil, domain.InvalidArgument("Expected '%s' to be a string but got %s", name, typeName(r))
	}
	s := r.String()
	return &s, nil
}

func stringList(params gjson.Result, name string) ([]string, error) {
	r := params.Get(name)
	if !r.IsArray() {
		return nil, domain.InvalidArgument("Expected '%s' to be an array but got %s", name, typeName(r))
	}
	var out []string
	for _, item := range r.Array() {
		if item.Type != gjson.String {
			return nil, domain.InvalidArgument("Expected '%s' items to be strings but got %s", name, typeName(item))
		}
		out = append(out, item.String())
	}
	return out, nil
}

func decodePhases(params gjson.Result) ([]domain.Phase, error) {
	names, err := stringList(params, "phases")
	if err != nil {
		return nil, err
	}
	phases := make([]domain.Phase, 0, len(names))
	for _, n := range names {
		phases = append(phases, domain.Phase(n))
	}
	return phases, nil
}

// decodePatterns 解析 urlPatterns，缺失表示匹配所有 URL
func decodePatterns(params gjson.Result) ([]urlpattern.Spec, error) {
	r := params.Get("urlPatterns")
	if !r.Exists() || r.Type == gjson.Null {
		return nil, nil
	}
	if !r.IsArray() {
		return nil, domain.InvalidArgument("Expected 'urlPatterns' to be an array but got %s", typeName(r))
	}
	var specs []urlpattern.Spec
	for _, item := range r.Array() {
		spec, err := decodePattern(item)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func decodePattern(item gjson.Result) (urlpattern.Spec, error) {
	var spec urlpattern.Spec
	if !item.IsObject() {
		return spec, domain.InvalidArgument("Expected URL pattern to be an object but got %s", typeName(item))
	}
	t, err := requiredString(item, "type")
	if err != nil {
		return spec, err
	}
	spec.Type = t

	if urlpattern.Kind(t) == urlpattern.KindString {
		p, err := requiredString(item, "pattern")
		if err != nil {
			return spec, err
		}
		spec.Pattern = &p
		return spec, nil
	}

	fields := []struct {
		name string
		dst  **string
	}{
		{"protocol", &spec.Protocol},
		{"hostname", &spec.Hostname},
		{"port", &spec.Port},
		{"pathname", &spec.Pathname},
		{"search", &spec.Search},
	}
	for _, f := range fields {
		if *f.dst, err = optionalString(item, f.name); err != nil {
			return spec, err
		}
	}
	if spec.Pathname == nil {
		if spec.Pathname, err = optionalString(item, "path"); err != nil {
			return spec, err
		}
	}
	return spec, nil
}

// decodeBytes 解析 {type: string|base64, value} 形式的字节值
func decodeBytes(r gjson.Result, name string) ([]byte, error) {
	if !r.IsObject() {
		return nil, domain.InvalidArgument("Expected '%s' to be an object but got %s", name, typeName(r))
	}
	value, err := requiredString(r, "value")
	if err != nil {
		return nil, err
	}
	switch t := r.Get("type").String(); t {
	case "string":
		return []byte(value), nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, domain.InvalidArgument("Invalid base64 value for '%s'", name)
		}
		return b, nil
	default:
		return nil, domain.InvalidArgument("Unknown bytes value type '%s'", t)
	}
}

// decodeHeaders 头部值可以是字符串或字节值
func decodeHeaders(params gjson.Result) ([]domain.Header, error) {
	r := params.Get("headers")
	if !r.Exists() {
		return nil, nil
	}
	if !r.IsArray() {
		return nil, domain.InvalidArgument("Expected 'headers' to be an array but got %s", typeName(r))
	}
	headers := make([]domain.Header, 0, len(r.Array()))
	for _, item := range r.Array() {
		name, err := requiredString(item, "name")
		if err != nil {
			return nil, err
		}
		v := item.Get("value")
		var value string
		if v.Type == gjson.String {
			value = v.String()
		} else {
			b, err := decodeBytes(v, "value")
			if err != nil {
				return nil, err
			}
			value = string(b)
		}
		headers = append(headers, domain.Header{Name: name, Value: value})
	}
	return headers, nil
}

func decodeBody(params gjson.Result) ([]byte, error) {
	r := params.Get("body")
	if !r.Exists() {
		return nil, nil
	}
	return decodeBytes(r, "body")
}

func decodeRequestOverride(params gjson.Result) (*domain.RequestOverride, error) {
	o := &domain.RequestOverride{}
	var err error
	if o.URL, err = optionalString(params, "url"); err != nil {
		return nil, err
	}
	if o.Method, err = optionalString(params, "method"); err != nil {
		return nil, err
	}
	if o.Headers, err = decodeHeaders(params); err != nil {
		return nil, err
	}
	if o.Body, err = decodeBody(params); err != nil {
		return nil, err
	}
	if o.URL != nil {
		if _, err := urlpattern.Compile(urlpattern.StringSpec(*o.URL)); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func decodeResponseOverride(params gjson.Result) (*domain.ResponseOverride, error) {
	o := &domain.ResponseOverride{}
	if sc := params.Get("statusCode"); sc.Exists() {
		if sc.Type != gjson.Number || sc.Int() < 100 || sc.Int() > 999 {
			return nil, domain.InvalidArgument("Expected 'statusCode' to be an integer in [100, 999]")
		}
		o.StatusCode = int(sc.Int())
	}
	var err error
	if o.Headers, err = decodeHeaders(params); err != nil {
		return nil, err
	}
	if o.Body, err = decodeBody(params); err != nil {
		return nil, err
	}
	return o, nil
}

func decodeAuth(params gjson.Result) (domain.AuthAction, *domain.AuthCredentials, error) {
	action, err := requiredString(params, "action")
	if err != nil {
		return "", nil, err
	}
	a := domain.AuthAction(action)
	switch a {
	case domain.AuthDefault, domain.AuthCancel:
		return a, nil, nil
	case domain.AuthProvideCredentials:
	default:
		return "", nil, domain.InvalidArgument("Unknown auth action '%s'", action)
	}
	c := params.Get("credentials")
	if !c.IsObject() {
		return "", nil, domain.InvalidArgument("Credentials must be provided for action 'provideCredentials'")
	}
	if t := c.Get("type").String(); t != "password" {
		return "", nil, domain.InvalidArgument("Unknown credentials type '%s'", t)
	}
	user, err := requiredString(c, "username")
	if err != nil {
		return "", nil, err
	}
	pass, err := requiredString(c, "password")
	if err != nil {
		return "", nil, err
	}
	return a, &domain.AuthCredentials{Username: user, Password: pass}, nil
}
