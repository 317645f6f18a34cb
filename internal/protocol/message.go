// Package protocol 解析客户端 JSON 命令并生成响应。
//
// 命令格式 {"id":N,"method":"...","params":{...}}，可选的 channel 字段
// 会原样回显到响应中。
package protocol

import (
	"encoding/json"

	"netintercept/pkg/domain"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Command 已解析的客户端命令
type Command struct {
	ID      uint64
	Method  string
	Params  gjson.Result
	Channel string // channel 字段的原始 JSON，未提供时为空
}

type successResponse struct {
	Type   string `json:"type"`
	ID     uint64 `json:"id"`
	Result any    `json:"result"`
}

type errorResponse struct {
	Type    string           `json:"type"`
	ID      *uint64          `json:"id"`
	Error   domain.ErrorCode `json:"error"`
	Message string           `json:"message"`
}

// Parse 解析命令，失败时返回的 *uint64 为能识别出的命令 ID
func Parse(raw []byte) (*Command, *uint64, error) {
	if !gjson.ValidBytes(raw) {
		return nil, nil, domain.InvalidArgument("Cannot parse data as JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, nil, domain.InvalidArgument("Expected a JSON object")
	}

	idR := root.Get("id")
	if idR.Type != gjson.Number || idR.Num < 0 || idR.Num != float64(idR.Uint()) {
		return nil, nil, domain.InvalidArgument("Expected unsigned integer but got %s", typeName(idR))
	}
	id := idR.Uint()

	methodR := root.Get("method")
	if methodR.Type != gjson.String {
		return nil, &id, domain.InvalidArgument("Expected string but got %s", typeName(methodR))
	}
	params := root.Get("params")
	if params.Exists() && !params.IsObject() {
		return nil, &id, domain.InvalidArgument("Expected 'params' to be an object but got %s", typeName(params))
	}

	cmd := &Command{ID: id, Method: methodR.String(), Params: params}
	if ch := root.Get("channel"); ch.Exists() {
		cmd.Channel = ch.Raw
	}
	return cmd, &id, nil
}

// Success 构建成功响应
func Success(cmd *Command, result any) ([]byte, error) {
	if result == nil {
		result = struct{}{}
	}
	out, err := json.Marshal(successResponse{Type: "success", ID: cmd.ID, Result: result})
	if err != nil {
		return nil, err
	}
	return withChannel(out, cmd)
}

// Failure 构建错误响应，id 为 nil 时输出 null
func Failure(cmd *Command, id *uint64, err error) []byte {
	e := domain.AsError(err)
	out, mErr := json.Marshal(errorResponse{Type: "error", ID: id, Error: e.Code, Message: e.Message})
	if mErr != nil {
		return []byte(`{"type":"error","id":null,"error":"unknown error","message":"cannot encode response"}`)
	}
	if cmd != nil {
		if echoed, cErr := withChannel(out, cmd); cErr == nil {
			out = echoed
		}
	}
	return out
}

func withChannel(out []byte, cmd *Command) ([]byte, error) {
	if cmd.Channel == "" {
		return out, nil
	}
	return sjson.SetRawBytes(out, "channel", []byte(cmd.Channel))
}

// typeName 错误提示中使用的 JSON 类型名
func typeName(r gjson.Result) string {
	switch {
	case !r.Exists():
		return "undefined"
	case r.IsArray():
		return "array"
	case r.IsObject():
		return "object"
	}
	switch r.Type {
	case gjson.Null:
		return "null"
	case gjson.True, gjson.False:
		return "boolean"
	case gjson.Number:
		return "number"
	case gjson.String:
		return "string"
	}
	return "unknown"
}
