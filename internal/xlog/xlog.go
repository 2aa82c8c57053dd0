// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package xlog is a small structured, leveled logger in the style of the
// node-wide logger the rest of the codebase uses: a handful of level
// methods taking alternating key/value pairs, writing to a colorable
// writer so output degrades gracefully when stderr isn't a TTY.
package xlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a logging verbosity level, most to least severe.
type Level int

const (
	LevelCrit Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelCrit:
		return "CRIT"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "???"
	}
}

var levelColor = map[Level]string{
	LevelCrit:  "\x1b[35m",
	LevelError: "\x1b[31m",
	LevelWarn:  "\x1b[33m",
	LevelInfo:  "\x1b[32m",
	LevelDebug: "\x1b[36m",
	LevelTrace: "\x1b[90m",
}

const colorReset = "\x1b[0m"

// Logger writes leveled, structured log lines to an underlying writer.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	color  bool
	level  Level
	ctx    []interface{}
}

// Root is the process-wide default logger, mirroring the package-level
// convenience loggers the rest of the codebase calls (log.Info, log.Warn, …).
var Root = New(os.Stderr)

// New builds a Logger writing to w. If w is os.Stderr or os.Stdout and is a
// TTY, output is wrapped with a colorable writer and ANSI level coloring is
// enabled; otherwise output is plain text, safe for log aggregation.
func New(w io.Writer) *Logger {
	color := false
	out := w
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = colorable.NewColorable(f)
		color = true
	}
	return &Logger{out: out, color: color, level: LevelInfo}
}

// SetLevel adjusts the minimum level that will be emitted.
func (l *Logger) SetLevel(lvl Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lvl
}

// With returns a derived logger that always includes the given key/value
// pairs, the same way the node logger's log.New(ctx...) works.
func (l *Logger) With(ctx ...interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &Logger{out: l.out, color: l.color, level: l.level, ctx: merged}
}

func (l *Logger) log(lvl Level, msg string, kv []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl > l.level {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	prefix, suffix := "", ""
	if l.color {
		prefix, suffix = levelColor[lvl], colorReset
	}
	line := fmt.Sprintf("%s[%-5s]%s t=%s msg=%q", prefix, lvl, suffix, ts, msg)
	all := append(append([]interface{}{}, l.ctx...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		line += fmt.Sprintf(" %v=%v", all[i], all[i+1])
	}
	fmt.Fprintln(l.out, line)
}

func (l *Logger) Crit(msg string, kv ...interface{})  { l.log(LevelCrit, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(LevelError, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(LevelWarn, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(LevelInfo, msg, kv) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(LevelDebug, msg, kv) }
func (l *Logger) Trace(msg string, kv ...interface{}) { l.log(LevelTrace, msg, kv) }

// Package-level convenience wrappers over Root, mirroring the call sites
// elsewhere in the codebase that log without constructing a logger first.
func Crit(msg string, kv ...interface{})  { Root.Crit(msg, kv...) }
func Error(msg string, kv ...interface{}) { Root.Error(msg, kv...) }
func Warn(msg string, kv ...interface{})  { Root.Warn(msg, kv...) }
func Info(msg string, kv ...interface{})  { Root.Info(msg, kv...) }
func Debug(msg string, kv ...interface{}) { Root.Debug(msg, kv...) }
func Trace(msg string, kv ...interface{}) { Root.Trace(msg, kv...) }
