// Package log provides the namespaced debug loggers used across the
// project. Debug output is disabled unless the SIO_DEBUG environment
// variable selects the logger's namespace, either exactly, by prefix
// ("sio:*") or globally ("*"). Info, Warning and Error are always on.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
)

type Log struct {
	name    string
	enabled bool
}

var (
	mu       sync.RWMutex
	selector []string
	loaded   bool
)

func loadSelector() {
	mu.Lock()
	defer mu.Unlock()
	if loaded {
		return
	}
	for _, part := range strings.Split(os.Getenv("SIO_DEBUG"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			selector = append(selector, part)
		}
	}
	loaded = true
}

func matches(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	for _, pattern := range selector {
		if pattern == "*" || pattern == name {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(name, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// NewLog creates a logger for the given namespace, e.g. "sio:engine".
func NewLog(name string) *Log {
	loadSelector()
	return &Log{name: name, enabled: matches(name)}
}

func (l *Log) prefix() string {
	return time.Now().Format("2006-01-02 15:04:05.000") + " " + l.name + " "
}

// Debug prints a debug line when the namespace is selected by SIO_DEBUG.
func (l *Log) Debug(format string, args ...any) {
	if !l.enabled {
		return
	}
	fmt.Fprintln(os.Stderr, color.Gray.Render(l.prefix()+fmt.Sprintf(format, args...)))
}

// Info prints an informational line.
func (l *Log) Info(format string, args ...any) {
	fmt.Fprintln(os.Stderr, color.Green.Render(l.prefix()+fmt.Sprintf(format, args...)))
}

// Warning prints a warning line.
func (l *Log) Warning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, color.Yellow.Render(l.prefix()+fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (l *Log) Error(format string, args ...any) {
	fmt.Fprintln(os.Stderr, color.Red.Render(l.prefix()+fmt.Sprintf(format, args...)))
}
