package klogging

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
)

// TimestampFormat: ms resolution, with timezone, sorting friendly.
const TimestampFormat = "2006-01-02T15:04:05.999Z07:00"

type LogFormat uint32

const (
	TextFormat LogFormat = iota + 1
	JsonFormat
	SimpleFormat
)

func (e LogFormat) String() string {
	switch e {
	case TextFormat:
		return "text"
	case JsonFormat:
		return "json"
	case SimpleFormat:
		return "simple"
	default:
		return fmt.Sprintf("%d", int(e))
	}
}

func parseLogFormat(str string) LogFormat {
	switch {
	case strings.EqualFold("text", str):
		return TextFormat
	case strings.EqualFold("json", str):
		return JsonFormat
	case strings.EqualFold("simple", str):
		return SimpleFormat
	}
	panic(kerror.Create("UnknownLogFormat", "parse log format failed").With("str", str))
}

// LogrusLogger implements Logger on top of logrus. The level threshold is evaluated here,
// the underlying logrus logger accepts everything.
type LogrusLogger struct {
	RusLogger *logrus.Logger
	logLevel  Level
	logFormat LogFormat
}

func NewLogrusLogger(ctx context.Context) *LogrusLogger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: TimestampFormat,
		FullTimestamp:   true,
	})
	log.SetLevel(logrus.TraceLevel)
	return &LogrusLogger{
		RusLogger: log,
		logLevel:  InfoLevel,
		logFormat: TextFormat,
	}
}

// SetConfig accepts level fatal/error/warning/info/debug/verbose and format text/json/simple.
// Invalid input is logged and the old setting kept.
func (logger *LogrusLogger) SetConfig(ctx context.Context, levelStr string, formatStr string) *LogrusLogger {
	defer func() {
		if r := recover(); r != nil {
			Warning(ctx).WithPanic(r).Log("UpdateLogConfigFailed", "log config update failed")
		}
	}()
	newLevel := ParseLogLevel(levelStr)
	newFormat := parseLogFormat(formatStr)
	if logger.logFormat != newFormat {
		switch newFormat {
		case TextFormat:
			logger.RusLogger.SetFormatter(&logrus.TextFormatter{
				DisableColors:   true,
				TimestampFormat: TimestampFormat,
				FullTimestamp:   true,
			})
		case JsonFormat:
			logger.RusLogger.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: TimestampFormat,
			})
		case SimpleFormat:
			logger.RusLogger.SetFormatter(&SimpleFormatter{})
		}
		logger.logFormat = newFormat
	}
	logger.logLevel = newLevel
	return logger
}

func (logger *LogrusLogger) Log(entry *LogEntry, shouldLog bool) {
	if !shouldLog {
		return
	}
	fields := make(logrus.Fields, len(entry.Details)+1)
	for _, item := range entry.Details {
		fields[item.K] = item.V
	}
	fields["event"] = entry.LogType
	ent := logger.RusLogger.WithFields(fields)
	ent.Time = entry.Timestamp
	ent.Log(logrus.Level(entry.Level), entry.Msg)
}

func (logger *LogrusLogger) Level() Level {
	return logger.logLevel
}

// SimpleFormatter writes "time LEVEL event=... msg=... k=v" with keys sorted.
type SimpleFormatter struct{}

func (f *SimpleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" ")
	sb.WriteString(strings.ToUpper(entry.Level.String()))
	if event, ok := entry.Data["event"]; ok {
		fmt.Fprintf(&sb, " event=%v", event)
	}
	fmt.Fprintf(&sb, " msg=%q", entry.Message)
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "event" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := entry.Data[k]
		if s, ok := v.(string); ok {
			fmt.Fprintf(&sb, " %s=%q", k, s)
		} else {
			fmt.Fprintf(&sb, " %s=%v", k, v)
		}
	}
	sb.WriteString("\n")
	return []byte(sb.String()), nil
}
