// Copyright 2024 The Clusterfabric Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int32

const (
	// LevelDebug is the severity of debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity of informational messages.
	LevelInfo
	// LevelWarn is the severity of warnings.
	LevelWarn
	// LevelError is the severity of errors.
	LevelError
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Fatal(format string, args ...interface{})
	Panic(format string, args ...interface{})

	// Block emits a multiline message through the given emitter, with
	// each line prefixed by prefix.
	Block(fn func(string, ...interface{}), prefix string, format string, args ...interface{})
	// DebugBlock emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock emits a multiline info message.
	InfoBlock(prefix string, format string, args ...interface{})

	// EnableDebug controls debug messages for this source.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this source.
	DebugEnabled() bool

	// Source returns the source of this logger.
	Source() string
}

// logger implements Logger.
type logger struct {
	source string
	debug  bool
}

var (
	lock    sync.RWMutex
	loggers = make(map[string]*logger)
	debugAll bool
)

// NewLogger creates a logger for the given source.
func NewLogger(source string) Logger {
	return get(source)
}

// Get returns the logger for the given source, creating it if necessary.
func Get(source string) Logger {
	return get(source)
}

func get(source string) *logger {
	lock.Lock()
	defer lock.Unlock()

	if l, ok := loggers[source]; ok {
		return l
	}

	l := &logger{source: source, debug: debugAll || debugRequested(source)}
	loggers[source] = l

	return l
}

// EnableDebug controls debug messages for the given sources. The reserved
// source 'all' refers to every known and future source.
func EnableDebug(sources ...string) {
	lock.Lock()
	defer lock.Unlock()

	for _, source := range sources {
		if source == "all" {
			debugAll = true
			for _, l := range loggers {
				l.debug = true
			}
			continue
		}
		requestDebug(source)
		if l, ok := loggers[source]; ok {
			l.debug = true
		}
	}
}

func (l *logger) prefix(msg string) string {
	return "[" + l.source + "] " + msg
}

func (l *logger) format(format string, args ...interface{}) string {
	if len(args) == 0 {
		return l.prefix(format)
	}
	return l.prefix(fmt.Sprintf(format, args...))
}

// Debug emits a debug message if debugging is enabled for the source.
func (l *logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	klog.InfoDepth(1, "D: "+l.format(format, args...))
}

// Info emits an informational message.
func (l *logger) Info(format string, args ...interface{}) {
	klog.InfoDepth(1, l.format(format, args...))
}

// Warn emits a warning.
func (l *logger) Warn(format string, args ...interface{}) {
	klog.WarningDepth(1, l.format(format, args...))
}

// Error emits an error message.
func (l *logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.format(format, args...))
}

// Fatal emits an error message and aborts the process.
func (l *logger) Fatal(format string, args ...interface{}) {
	klog.FatalDepth(1, l.format(format, args...))
}

// Panic emits an error message and panics.
func (l *logger) Panic(format string, args ...interface{}) {
	msg := l.format(format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

// Block emits a multiline message through fn, line by line.
func (l *logger) Block(fn func(string, ...interface{}), prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		fn("%s%s", prefix, line)
	}
}

// DebugBlock emits a multiline debug message.
func (l *logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.Block(l.Debug, prefix, format, args...)
}

// InfoBlock emits a multiline info message.
func (l *logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.Block(l.Info, prefix, format, args...)
}

// EnableDebug controls debug messages for this source.
func (l *logger) EnableDebug(enable bool) bool {
	lock.Lock()
	defer lock.Unlock()

	old := l.debug
	l.debug = enable

	return old
}

// DebugEnabled checks if debug messages are enabled for this source.
func (l *logger) DebugEnabled() bool {
	return l.debug
}

// Source returns the source of this logger.
func (l *logger) Source() string {
	return l.source
}
