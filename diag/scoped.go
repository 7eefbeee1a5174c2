package diag

import (
	"fmt"
	"time"
)

// Scoped stamps entries with a fixed category and bot id
type Scoped struct {
	logger   Logger
	category Category
	bot      string
	now      func() time.Time
}

// NewScoped binds l to a category; a nil l discards
func NewScoped(l Logger, category Category) *Scoped {
	if l == nil {
		l = Discard
	}
	return &Scoped{logger: l, category: category, now: time.Now}
}

// WithBot returns a copy that tags entries with bot
func (s *Scoped) WithBot(bot string) *Scoped {
	c := *s
	c.bot = bot
	return &c
}

// WithCategory returns a copy logging under category
func (s *Scoped) WithCategory(category Category) *Scoped {
	c := *s
	c.category = category
	return &c
}

// Logger returns the underlying sink
func (s *Scoped) Logger() Logger {
	return s.logger
}

func (s *Scoped) logf(severity Severity, format string, args ...interface{}) {
	s.logger.Log(Entry{
		Time:     s.now(),
		Severity: severity,
		Category: s.category,
		BotID:    s.bot,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (s *Scoped) Debugf(format string, args ...interface{}) { s.logf(Debug, format, args...) }
func (s *Scoped) Infof(format string, args ...interface{})  { s.logf(Info, format, args...) }
func (s *Scoped) Warnf(format string, args ...interface{})  { s.logf(Warning, format, args...) }
func (s *Scoped) Errorf(format string, args ...interface{}) { s.logf(Error, format, args...) }
