package kerror

import (
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

type Keypair struct {
	K string
	V interface{}
}

// Kerror is a typed error. Type is a stable CamelCase identifier that callers match on,
// Msg is for humans, Details keep insertion order.
type Kerror struct {
	Type      string
	Msg       string
	Details   []Keypair
	Stack     string // only the inner most kerror needs a stack dump
	CausedBy  error
	ErrorCode ErrorCode
}

func Create(errType string, msg string) *Kerror {
	return &Kerror{
		Type:      errType,
		Msg:       msg,
		Stack:     GetCallStack(1),
		ErrorCode: EC_UNKNOWN,
	}
}

// Wrap attaches err as the cause. Stack is collected only when asked and the cause is not already a Kerror.
func Wrap(err error, errType, msg string, needStack bool) *Kerror {
	ke := &Kerror{
		Type:      errType,
		Msg:       msg,
		CausedBy:  err,
		ErrorCode: EC_UNKNOWN,
	}
	if Retryable(err) {
		ke.ErrorCode = EC_RETRYABLE
	}
	if needStack {
		var inner *Kerror
		if !errors.As(err, &inner) {
			ke.Stack = GetCallStack(1)
		}
	}
	return ke
}

func (ke *Kerror) With(key string, val interface{}) *Kerror {
	ke.Details = append(ke.Details, Keypair{K: key, V: val})
	return ke
}

func (ke *Kerror) WithErrorCode(code ErrorCode) *Kerror {
	ke.ErrorCode = code
	return ke
}

func (ke *Kerror) WithoutStack() *Kerror {
	ke.Stack = ""
	return ke
}

func (ke *Kerror) GetType() string {
	return ke.Type
}

func (ke *Kerror) Error() string {
	var b strings.Builder
	ke.writeTo(&b, false, false)
	return b.String()
}

func (ke *Kerror) String() string {
	return ke.FullString()
}

func (ke *Kerror) FullString() string {
	var b strings.Builder
	ke.writeTo(&b, true, true)
	return b.String()
}

func (ke *Kerror) CausedByString() string {
	var b strings.Builder
	ke.writeCause(&b, false)
	return b.String()
}

// Unwrap makes Kerror work with errors.Is / errors.As.
func (ke *Kerror) Unwrap() error {
	return ke.CausedBy
}

func (ke *Kerror) writeTo(b *strings.Builder, withStack, withCause bool) {
	fmt.Fprintf(b, "%s: %s", ke.Type, ke.Msg)
	for _, item := range ke.Details {
		fmt.Fprintf(b, ", %s=%v", item.K, formatVal(item.V))
	}
	if withStack && ke.Stack != "" {
		fmt.Fprintf(b, ", stack=%s", ke.Stack)
	}
	if withCause && ke.CausedBy != nil {
		b.WriteString(";\n Caused by: ")
		ke.writeCause(b, withStack)
	}
}

func (ke *Kerror) writeCause(b *strings.Builder, withStack bool) {
	if ke.CausedBy == nil {
		return
	}
	if cause, ok := ke.CausedBy.(*Kerror); ok {
		cause.writeTo(b, withStack, true)
		return
	}
	b.WriteString(ke.CausedBy.Error())
}

func formatVal(val interface{}) interface{} {
	if bytes, ok := val.([]byte); ok {
		return hex.EncodeToString(bytes)
	}
	return val
}

// GetCallStack returns the current goroutine stack without the top frames (debug.Stack itself and removeTop callers).
func GetCallStack(removeTop int) string {
	stack := string(debug.Stack())
	split := strings.SplitAfterN(stack, "\n", 6+2*removeTop)
	return split[len(split)-1]
}

// IsType reports whether err (or anything in its cause chain) is a Kerror of the given type.
func IsType(err error, errType string) bool {
	for err != nil {
		if ke, ok := err.(*Kerror); ok && ke.Type == errType {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

type retryable interface {
	Retryable() bool
}

func (ke *Kerror) Retryable() bool {
	return ke.ErrorCode == EC_RETRYABLE
}

// Retryable works on any error, not only Kerror.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	r, ok := err.(retryable)
	return ok && r.Retryable()
}
