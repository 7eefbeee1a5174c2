package diag

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Structured writes entries as logrus records with category and bot fields
type Structured struct {
	entry *logrus.Entry
}

// NewStructured logs to out at min and above; a nil out keeps logrus' default (stderr)
func NewStructured(out io.Writer, min Severity, fields logrus.Fields) *Structured {
	l := logrus.New()
	if out != nil {
		l.Out = out
	}
	l.Level = logrusLevel(min)
	l.Formatter = &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}
	return &Structured{entry: l.WithFields(fields)}
}

func (s *Structured) Log(e Entry) {
	fields := logrus.Fields{"category": e.Category.String()}
	if e.BotID != "" {
		fields["bot"] = e.BotID
	}
	entry := s.entry.WithFields(fields).WithTime(e.Time)

	switch e.Severity {
	case Debug:
		entry.Debug(e.Message)
	case Info:
		entry.Info(e.Message)
	case Warning:
		entry.Warn(e.Message)
	default:
		entry.Error(e.Message)
	}
}

func logrusLevel(s Severity) logrus.Level {
	switch s {
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	case Warning:
		return logrus.WarnLevel
	}
	return logrus.ErrorLevel
}
