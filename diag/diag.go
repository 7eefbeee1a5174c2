// Package diag carries log entries from the hooking stack to whoever is listening.
// Components receive a Logger at construction; nothing logs through globals.
package diag

import (
	"fmt"
	"strings"
	"time"
)

// Severity orders entries from chatty to fatal
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	}
	return fmt.Sprintf("SEVERITY(%d)", int(s))
}

// ParseSeverity accepts the names printed by String, case-insensitively, plus "warn"
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn", "warning":
		return Warning, nil
	case "error":
		return Error, nil
	}
	return Debug, fmt.Errorf("unknown log level %q", s)
}

// Category groups entries by the subsystem that produced them
type Category int

const (
	System Category = iota
	Memory
	Core
	Hooks
	Config
)

// Categories lists every category in display order
var Categories = []Category{System, Memory, Core, Hooks, Config}

func (c Category) String() string {
	switch c {
	case System:
		return "System"
	case Memory:
		return "Memory"
	case Core:
		return "Core"
	case Hooks:
		return "Hooks"
	case Config:
		return "Config"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// ParseCategory is the inverse of String, ignoring case
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if strings.EqualFold(c.String(), strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return System, fmt.Errorf("unknown log category %q", s)
}

// Entry is one log record
type Entry struct {
	Time     time.Time
	Severity Severity
	Category Category
	BotID    string // Empty when the entry is not tied to a bot instance
	Message  string
}

func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] [%s]", e.Time.Format("15:04:05.000"), e.Severity, e.Category)
	if e.BotID != "" {
		fmt.Fprintf(&b, " [%s]", e.BotID)
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)
	return b.String()
}

// Logger receives entries. Implementations must not block the caller for long
// and must be safe for concurrent use.
type Logger interface {
	Log(e Entry)
}

// LoggerFunc adapts a function to Logger
type LoggerFunc func(e Entry)

func (f LoggerFunc) Log(e Entry) { f(e) }

// Discard drops everything
var Discard Logger = LoggerFunc(func(Entry) {})

type multi []Logger

func (m multi) Log(e Entry) {
	for _, l := range m {
		l.Log(e)
	}
}

// Multi delivers each entry to every non-nil logger in order
func Multi(loggers ...Logger) Logger {
	var m multi
	for _, l := range loggers {
		if l != nil {
			m = append(m, l)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}
