package logging

import (
	"fmt"
	"sort"
	"strings"

	"geminipool/internal/logbuf"

	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger: a colorized console core plus a core that
// tees every record into the bounded log buffer queried by the admin API.
func New(level string, buf *logbuf.Buffer) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("15:04:05"),
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(colorable.NewColorableStdout()),
		lvl,
	)

	core := zapcore.NewTee(console, &bufferCore{level: lvl, buf: buf})
	return zap.New(core), nil
}

// bufferCore appends log records to the shared ring buffer. Fields are
// rendered into the message text so buffer searches can match on them.
type bufferCore struct {
	level  zapcore.Level
	buf    *logbuf.Buffer
	fields []zapcore.Field
}

func (c *bufferCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.level
}

func (c *bufferCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &bufferCore{level: c.level, buf: c.buf}
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *bufferCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bufferCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	msg := ent.Message
	if rendered := renderFields(c.fields, fields); rendered != "" {
		msg += " " + rendered
	}
	c.buf.Append(logbuf.Entry{
		Time:    ent.Time,
		Level:   levelName(ent.Level),
		Message: msg,
	})
	return nil
}

func (c *bufferCore) Sync() error { return nil }

func renderFields(groups ...[]zapcore.Field) string {
	enc := zapcore.NewMapObjectEncoder()
	for _, fields := range groups {
		for _, f := range fields {
			f.AddTo(enc)
		}
	}
	if len(enc.Fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, enc.Fields[k]))
	}
	return strings.Join(parts, " ")
}

// levelName maps zap levels onto the level names the admin surface exposes.
func levelName(lvl zapcore.Level) string {
	switch lvl {
	case zapcore.DebugLevel:
		return "DEBUG"
	case zapcore.InfoLevel:
		return "INFO"
	case zapcore.WarnLevel:
		return "WARNING"
	case zapcore.ErrorLevel:
		return "ERROR"
	default:
		return "CRITICAL"
	}
}
