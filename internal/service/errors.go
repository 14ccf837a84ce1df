package service

import (
	"errors"
	"sort"
	"strings"

	"github.com/MiquelDW/chat-webapp/internal/storage"
)

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrUnauthorized = errors.New("not a member of this conversation")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// ValidationError 携带字段级别的错误信息。
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func invalid(field, msg string) error {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// IsValidation 判断 err 是否为 ValidationError。
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// notFound 将存储层的 ErrNotFound 翻译为 what 对应的业务错误，其余错误原样返回。
func notFound(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &wrapped{sentinel: ErrNotFound, msg: what + " not found"}
	}
	return err
}

type wrapped struct {
	sentinel error
	msg      string
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.sentinel }

func conflict(msg string) error { return &wrapped{sentinel: ErrConflict, msg: msg} }
