// Package log is the gateway's logging surface: a thin, leveled wrapper
// around logrus with an Infoln/Warnln/Debugln/Errorln call shape so the
// rest of the tree can log without importing logrus directly.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// LogLevel is a small enum that is both loggable and settable from
// configuration.
type LogLevel int

const (
	Debug LogLevel = iota
	Info
	Warning
	Error
	Silent
)

func (l LogLevel) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Silent:
		return "silent"
	default:
		return "unknown"
	}
}

// MarshalYAML lets LogLevel appear directly in the YAML config.
func (l LogLevel) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}

// UnmarshalYAML parses one of "debug"/"info"/"warning"/"error"/"silent".
func (l *LogLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "debug":
		*l = Debug
	case "info", "":
		*l = Info
	case "warning":
		*l = Warning
	case "error":
		*l = Error
	case "silent":
		*l = Silent
	default:
		*l = Info
	}
	return nil
}

var logger = logrus.New()

func init() {
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	SetLevel(Info)
}

// SetLevel changes the active log level; Silent disables all output.
func SetLevel(level LogLevel) {
	switch level {
	case Debug:
		logger.SetLevel(logrus.DebugLevel)
	case Info:
		logger.SetLevel(logrus.InfoLevel)
	case Warning:
		logger.SetLevel(logrus.WarnLevel)
	case Error:
		logger.SetLevel(logrus.ErrorLevel)
	case Silent:
		logger.SetLevel(logrus.PanicLevel)
	}
}

// Level returns the currently active log level.
func Level() LogLevel {
	switch logger.GetLevel() {
	case logrus.DebugLevel:
		return Debug
	case logrus.WarnLevel:
		return Warning
	case logrus.ErrorLevel:
		return Error
	case logrus.PanicLevel:
		return Silent
	default:
		return Info
	}
}

func Debugln(format string, args ...any) {
	logger.Debugf(format, args...)
}

func Infoln(format string, args ...any) {
	logger.Infof(format, args...)
}

func Warnln(format string, args ...any) {
	logger.Warnf(format, args...)
}

func Errorln(format string, args ...any) {
	logger.Errorf(format, args...)
}

func Fatalln(format string, args ...any) {
	logger.Fatalf(format, args...)
}
