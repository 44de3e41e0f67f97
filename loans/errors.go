package loans

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation     Kind = "VALIDATION"
	KindPermission     Kind = "PERMISSION"
	KindStateConflict  Kind = "STATE_CONFLICT"
	KindNotFound       Kind = "NOT_FOUND"
	KindDownstreamSync Kind = "DOWNSTREAM_SYNC"
	KindInternal       Kind = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func ErrValidation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}
func ErrPermission(format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Message: fmt.Sprintf(format, args...)}
}
func ErrConflict(format string, args ...any) *Error {
	return &Error{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}
func ErrNotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}
func ErrSync(tag string, err error) *Error {
	return &Error{Kind: KindDownstreamSync, Message: "device " + tag + " status sync failed", Err: err}
}
func ErrInternal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// ErrNoRecord 存储层找不到记录时返回，由 Service 翻译成 NotFound
var ErrNoRecord = errors.New("record not found")

// ErrDuplicateActive 存储层唯一索引冲突（同一邮箱多条进行中的申请）
var ErrDuplicateActive = errors.New("active loan already exists for this student")

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
