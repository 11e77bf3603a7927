package kcommon

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
)

func TestTryCatchRun(t *testing.T) {
	ctx := context.Background()
	ke := TryCatchRun(ctx, func() {
		panic(kerror.Create("NoNode", "node does not exist"))
	})
	assert.NotNil(t, ke)
	assert.Equal(t, "NoNode", ke.Type)

	ke = TryCatchRun(ctx, func() {
		panic(errors.New("plain"))
	})
	assert.NotNil(t, ke)
	assert.Equal(t, "UnknownError", ke.Type)
	assert.NotEmpty(t, ke.Stack)

	ke = TryCatchRun(ctx, func() {})
	assert.Nil(t, ke)
}

func TestTryCatchRunNonErrorPanicIsFatal(t *testing.T) {
	klogging.SetDefaultLogger(&klogging.NullLogger{})
	code := 0
	klogging.RunWithOsExit(func(c int) { code = c }, func() {
		TryCatchRun(context.Background(), func() {
			panic("not an error")
		})
	})
	assert.Equal(t, 1, code)
}

func TestGetEnv(t *testing.T) {
	os.Setenv("KCOMMON_TEST_INT", "42")
	os.Setenv("KCOMMON_TEST_BAD", "x")
	os.Setenv("KCOMMON_TEST_LIST", "a:1, b:2,,")
	defer os.Unsetenv("KCOMMON_TEST_INT")
	defer os.Unsetenv("KCOMMON_TEST_BAD")
	defer os.Unsetenv("KCOMMON_TEST_LIST")

	assert.Equal(t, 42, GetEnvInt("KCOMMON_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("KCOMMON_TEST_BAD", 1))
	assert.Equal(t, 7, GetEnvInt("KCOMMON_TEST_MISSING", 7))
	assert.Equal(t, "d", GetEnvString("KCOMMON_TEST_MISSING", "d"))
	assert.Equal(t, []string{"a:1", "b:2"}, GetEnvStringList("KCOMMON_TEST_LIST", nil))
	assert.Equal(t, []string{"z"}, GetEnvStringList("KCOMMON_TEST_MISSING", []string{"z"}))
}

func TestRandomString(t *testing.T) {
	ctx := context.Background()
	s := RandomString(ctx, 8)
	assert.Len(t, s, 8)
	assert.Regexp(t, "^[A-Z0-9]{8}$", s)
	assert.Regexp(t, "^req_[A-Z0-9]{6}$", NewTraceId(ctx, "req_", 6))
}
