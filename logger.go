package barenet

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/barenet/config"
)

var logFormats = []string{"text", "json"}

// loggingConfig is the logging section of the config.
type loggingConfig struct {
	level            logrus.Level
	format           string
	disableTimestamp bool
	timestampFormat  string
}

func newLoggingConfig(c *config.C) (loggingConfig, error) {
	lc := loggingConfig{
		format:           strings.ToLower(c.GetString("logging.format", "text")),
		disableTimestamp: c.GetBool("logging.disable_timestamp", false),
		timestampFormat:  c.GetString("logging.timestamp_format", ""),
	}

	var err error
	lc.level, err = logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return lc, fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	switch lc.format {
	case "text", "json":
	default:
		return lc, fmt.Errorf("unknown log format `%s`. possible formats: %s", lc.format, logFormats)
	}

	return lc, nil
}

func (lc loggingConfig) formatter() logrus.Formatter {
	// A configured format implies the user wants to see it in full
	full := lc.timestampFormat != ""
	tsf := lc.timestampFormat
	if tsf == "" {
		tsf = time.RFC3339
	}

	if lc.format == "json" {
		return &logrus.JSONFormatter{
			TimestampFormat:  tsf,
			DisableTimestamp: lc.disableTimestamp,
		}
	}

	return &logrus.TextFormatter{
		TimestampFormat:  tsf,
		FullTimestamp:    full,
		DisableTimestamp: lc.disableTimestamp,
	}
}

// configLogger applies the logging section of c to l. Nothing is changed when
// the section is invalid, or on a reload that left it alone.
func configLogger(l *logrus.Logger, c *config.C) error {
	if !c.InitialLoad() && !c.HasChanged("logging") {
		return nil
	}

	lc, err := newLoggingConfig(c)
	if err != nil {
		return err
	}

	l.SetLevel(lc.level)
	l.SetFormatter(lc.formatter())
	return nil
}
