package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 结构化日志接口，键值对参数交替传入
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志配置
type Options struct {
	Level   string   // debug/info/warn/error
	Writers []string // console/file/stdout
	File    string
	MaxSize int // MB
	MaxAge  int // 天
	Backups int
}

type zlog struct {
	l zerolog.Logger
}

// New 根据配置创建 zerolog 日志实例
func New(opts Options) Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	return &zlog{l: zerolog.New(writer(opts)).Level(level).With().Timestamp().Logger()}
}

// NewWithWriter 输出到指定 writer，便于测试
func NewWithWriter(w io.Writer, level string) Logger {
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		lv = zerolog.DebugLevel
	}
	return &zlog{l: zerolog.New(w).Level(lv).With().Timestamp().Logger()}
}

func writer(opts Options) io.Writer {
	var ws []io.Writer
	for _, w := range opts.Writers {
		switch w {
		case "console":
			ws = append(ws, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "stdout":
			ws = append(ws, os.Stdout)
		case "file":
			name := opts.File
			if name == "" {
				name = "logs/netintercept.log"
			}
			ws = append(ws, &lumberjack.Logger{
				Filename:   name,
				MaxSize:    opts.MaxSize,
				MaxAge:     opts.MaxAge,
				MaxBackups: opts.Backups,
				Compress:   true,
			})
		}
	}
	switch len(ws) {
	case 0:
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	case 1:
		return ws[0]
	default:
		return zerolog.MultiLevelWriter(ws...)
	}
}

func (z *zlog) Debug(msg string, kv ...any) { fields(z.l.Debug(), kv).Msg(msg) }
func (z *zlog) Info(msg string, kv ...any)  { fields(z.l.Info(), kv).Msg(msg) }
func (z *zlog) Warn(msg string, kv ...any)  { fields(z.l.Warn(), kv).Msg(msg) }
func (z *zlog) Error(msg string, kv ...any) { fields(z.l.Error(), kv).Msg(msg) }

func (z *zlog) Err(err error, msg string, kv ...any) {
	fields(z.l.Error().Err(err), kv).Msg(msg)
}

func (z *zlog) With(kv ...any) Logger {
	ctx := z.l.With()
	for i := 0; i < len(kv); i += 2 {
		ctx = ctx.Interface(key(kv, i), value(kv, i))
	}
	return &zlog{l: ctx.Logger()}
}

func fields(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i < len(kv); i += 2 {
		switch v := value(kv, i).(type) {
		case error:
			e = e.AnErr(key(kv, i), v)
		case fmt.Stringer:
			e = e.Stringer(key(kv, i), v)
		default:
			e = e.Interface(key(kv, i), v)
		}
	}
	return e
}

func key(kv []any, i int) string {
	if s, ok := kv[i].(string); ok {
		return s
	}
	return fmt.Sprint(kv[i])
}

func value(kv []any, i int) any {
	if i+1 < len(kv) {
		return kv[i+1]
	}
	return "(MISSING)"
}

type nop struct{}

// NewNop 返回丢弃所有输出的日志实例
func NewNop() Logger { return nop{} }

func (nop) Debug(string, ...any)      {}
func (nop) Info(string, ...any)       {}
func (nop) Warn(string, ...any)       {}
func (nop) Error(string, ...any)      {}
func (nop) Err(error, string, ...any) {}
func (n nop) With(...any) Logger      { return n }
