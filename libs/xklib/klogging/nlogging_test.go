package klogging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
)

func TestLoggerBasic(t *testing.T) {
	SetDefaultLogger(&BasicLogger{LogLevel: DebugLevel})
	Info(context.Background()).With("shardId", 2).Log("WorkerDetected", "detected worker")
	assert.Equal(t, "level=info, event=WorkerDetected, msg=detected worker, shardId=2", GetLastLoggedMessage())
}

func TestLoggerBelowThreshold(t *testing.T) {
	SetDefaultLogger(&BasicLogger{LogLevel: InfoLevel})
	Info(context.Background()).Log("First", "")
	Debug(context.Background()).Log("Second", "")
	assert.Equal(t, "level=info, event=First, msg=", GetLastLoggedMessage())
}

func TestLoggerWithCtxInfo(t *testing.T) {
	SetDefaultLogger(&BasicLogger{LogLevel: DebugLevel})
	ctx, info := CreateCtxInfo(context.Background())
	info.With("syncId", "s1")
	ctx, info2 := CreateCtxInfo(ctx)
	info2.With("consumer", "c1")
	Info(ctx).With("n", 1).Log("Checking", "checking consumers")
	assert.Equal(t, "level=info, event=Checking, msg=checking consumers, syncId=s1, consumer=c1, n=1", GetLastLoggedMessage())
	assert.Equal(t, "s1", info2.FindByKey("syncId", ""))
	assert.Equal(t, "x", info2.FindByKey("missing", "x"))
}

func TestLoggerWithKerror(t *testing.T) {
	SetDefaultLogger(&BasicLogger{LogLevel: DebugLevel})
	ke := kerror.Create("NoNode", "node does not exist").With("path", "/a")
	Warning(context.Background()).WithError(ke).Log("ReadFailed", "")
	line := GetLastLoggedMessage()
	assert.True(t, strings.HasPrefix(line, "level=warn, event=ReadFailed"))
	assert.Regexp(t, "path=/a", line)
	assert.Regexp(t, "errorType=NoNode", line)
}

func TestFatalExits(t *testing.T) {
	SetDefaultLogger(&NullLogger{})
	code := 0
	RunWithOsExit(func(c int) { code = c }, func() {
		Fatal(context.Background()).Log("Boom", "")
	})
	assert.Equal(t, 1, code)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, VerboseLevel, ParseLogLevel("TRACE"))
	assert.Panics(t, func() { ParseLogLevel("loud") })
}

func TestLogrusLoggerSimpleFormat(t *testing.T) {
	ctx := context.Background()
	logger := NewLogrusLogger(ctx).SetConfig(ctx, "debug", "simple")
	var buf bytes.Buffer
	logger.RusLogger.SetOutput(&buf)
	SetDefaultLogger(logger)
	defer SetDefaultLogger(&BasicLogger{LogLevel: DebugLevel})

	Debug(ctx).With("path", "/x").With("n", 3).Log("NodeCreated", "created")
	out := buf.String()
	assert.Regexp(t, "DEBUG event=NodeCreated msg=\"created\" n=3 path=\"/x\"", out)
	assert.Equal(t, DebugLevel, logger.Level())
}

func TestLogrusLoggerBadConfigKeepsOld(t *testing.T) {
	ctx := context.Background()
	SetDefaultLogger(&NullLogger{})
	logger := NewLogrusLogger(ctx).SetConfig(ctx, "nope", "json")
	assert.Equal(t, InfoLevel, logger.Level())
}
