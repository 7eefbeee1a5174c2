package diag

import (
	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

// Console writes entries through a gologger logger with a colored prefix
type Console struct {
	log *logger.Logger
}

// NewConsole creates a console backend whose lines start with prefix
func NewConsole(prefix string) *Console {
	return &Console{
		log: logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, prefix)),
	}
}

// NewConsoleAlert is NewConsole with the red prefix used for unattached components
func NewConsoleAlert(prefix string) *Console {
	return &Console{
		log: logger.NewLogger(coloransi.Color(coloransi.Red, coloransi.ColorOrange, prefix)),
	}
}

func (c *Console) Log(e Entry) {
	line := consoleLine(e)

	switch e.Severity {
	case Debug:
		c.log.Debugln(line)
	case Info:
		c.log.Infoln(line)
	default:
		// gologger has no level above Warn, errors carry their own tag
		c.log.Warn(line)
	}
}

func consoleLine(e Entry) string {
	line := ""
	if e.Severity >= Error {
		line = coloransi.Foreground(coloransi.BrightRed, "[ERROR]") + " "
	}
	line += "[" + e.Category.String() + "] "
	if e.BotID != "" {
		line += "[" + e.BotID + "] "
	}
	return line + e.Message
}
