package kerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKerrorBasic(t *testing.T) {
	ke := Create("NodeExists", "node already exists").With("path", "/a/b")
	assert.Equal(t, "NodeExists: node already exists, path=/a/b", ke.Error())
	assert.Equal(t, "NodeExists", ke.GetType())
	assert.Equal(t, EC_UNKNOWN, ke.ErrorCode)
}

func TestKerrorBytesDetail(t *testing.T) {
	ke := Create("Type1", "msg").With("val", []byte("test")).With("key", nil)
	assert.Regexp(t, "val=74657374", ke.Error())
	assert.Regexp(t, "key=<nil>", ke.Error())
}

func TestKerrorWrap(t *testing.T) {
	inner := errors.New("dial timeout")
	ke := Wrap(inner, "EtcdConnectError", "failed to connect", true).WithErrorCode(EC_NETWORK_ERR)
	assert.Regexp(t, "^EtcdConnectError: failed to connect", ke.FullString())
	assert.Regexp(t, "Caused by: dial timeout", ke.FullString())
	assert.Equal(t, "dial timeout", ke.CausedByString())
	assert.True(t, errors.Is(ke, inner))
	assert.NotEmpty(t, ke.Stack)
	assert.Equal(t, 504, ke.GetHttpErrorCode())
}

func TestKerrorWrapKeepsInnerStackOnly(t *testing.T) {
	inner := Create("Inner", "x")
	ke := Wrap(inner, "Outer", "y", true)
	assert.Empty(t, ke.Stack)
}

func TestIsType(t *testing.T) {
	inner := Create("NoNode", "missing")
	outer := Wrap(inner, "ReadFailed", "", false)
	assert.True(t, IsType(outer, "NoNode"))
	assert.True(t, IsType(fmt.Errorf("ctx: %w", outer), "ReadFailed"))
	assert.False(t, IsType(outer, "NodeExists"))
	assert.False(t, IsType(nil, "NoNode"))
}

func TestRetryable(t *testing.T) {
	ke := Create("Busy", "").WithErrorCode(EC_RETRYABLE)
	assert.True(t, Retryable(ke))
	assert.Equal(t, EC_RETRYABLE, Wrap(ke, "Outer", "", false).ErrorCode)
	assert.False(t, Retryable(errors.New("plain")))
	assert.False(t, Retryable(nil))
}
