package domain

import (
	"errors"
	"fmt"
)

// ErrorCode 协议层错误码，原样返回给客户端
type ErrorCode string

const (
	CodeInvalidArgument ErrorCode = "invalid argument"
	CodeNoSuchIntercept ErrorCode = "no such intercept"
	CodeNoSuchRequest   ErrorCode = "no such request"
	CodeUnknownCommand  ErrorCode = "unknown command"
	CodeUnknownError    ErrorCode = "unknown error"
)

// Error 带错误码的协议错误
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError 创建协议错误
func NewError(code ErrorCode, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Message: msg}
}

func InvalidArgument(format string, args ...any) *Error {
	return NewError(CodeInvalidArgument, format, args...)
}

func NoSuchIntercept(id InterceptID) *Error {
	return NewError(CodeNoSuchIntercept, "Intercept '%s' does not exist.", id)
}

func NoSuchRequest(id RequestID) *Error {
	return NewError(CodeNoSuchRequest, "Blocked request with id '%s' not found.", id)
}

func UnknownCommand(method string) *Error {
	return NewError(CodeUnknownCommand, "Unknown command '%s'.", method)
}

// AsError 提取协议错误，非协议错误统一归为 unknown error
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeUnknownError, Message: err.Error()}
}

// IsCode 判断错误链上是否为指定错误码
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
