package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误类别，贯穿所有层，由 API 边界统一映射为稳定的外部状态码
type Kind int

const (
	KindUnknown        Kind = iota
	KindAuthentication      // 未认证或凭证无效
	KindAuthorization       // 已认证但权限等级不足
	KindInvisible           // 无任何授权关系，对外表现与不存在一致
	KindNotFound            // 目标不存在
	KindValidation          // 请求参数不合法
	KindStorage             // 持久化层故障
	KindTimeout             // 等待超时（区别于对端明确拒绝）
	KindConflict            // 状态冲突
)

// Error 带类别的领域错误
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Authentication(message string) *Error { return New(KindAuthentication, message) }
func Authorization(message string) *Error  { return New(KindAuthorization, message) }
func NotFound(message string) *Error       { return New(KindNotFound, message) }
func Validation(message string) *Error     { return New(KindValidation, message) }
func Conflict(message string) *Error       { return New(KindConflict, message) }
func Timeout(message string) *Error        { return New(KindTimeout, message) }

// Invisible 调用方不可见的目标。语义上区别于权限不足：
// 对外必须与 NotFound 的响应完全一致，避免泄露目标是否存在。
func Invisible(message string) *Error { return New(KindInvisible, message) }

func Storage(message string, err error) *Error { return Wrap(KindStorage, message, err) }

// KindOf 提取错误类别，非本包错误返回 KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind 判断错误是否属于指定类别
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus 类别到 HTTP 状态码的映射。
// KindInvisible 刻意与 KindNotFound 同码同文案。
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindInvisible, KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindStorage:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
