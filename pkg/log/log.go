// Package log wraps logrus so that hot-path debug logging costs a single
// boolean check when debug output is disabled.
package log

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var (
	l     = logrus.New()
	debug = false
)

// SetDebug controls debug logging.
func SetDebug(to bool) {
	debug = to
	if to {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
}

// SetJSON switches the output to one JSON object per line.
func SetJSON(to bool) {
	if to {
		l.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetOutput sets the output.
func SetOutput(to io.Writer) {
	l.SetOutput(to)
}

// Fields is a map of logging fields.
type Fields map[string]interface{}

// LogFields implements Fielder for Fields.
func (f Fields) LogFields() Fields {
	return f
}

// A Fielder provides Fields via the LogFields method.
type Fielder interface {
	LogFields() Fields
}

type errFielder struct {
	e error
}

func (e errFielder) LogFields() Fields {
	return Fields{
		"error": e.e.Error(),
		"type":  fmt.Sprintf("%T", e.e),
	}
}

// Err wraps an error so it can be passed as a Fielder.
func Err(e error) Fielder {
	return errFielder{e}
}

// merge flattens the fields of all fielders. Keys of later fielders are
// prefixed with their position ("1.", "2.", ...) so nothing is overwritten.
func merge(fielders []Fielder) logrus.Fields {
	fields := logrus.Fields{}
	for i, f := range fielders {
		if f == nil {
			continue
		}
		prefix := ""
		if i > 0 {
			prefix = fmt.Sprint(i, ".")
		}
		for k, v := range f.LogFields() {
			fields[prefix+k] = v
		}
	}
	return fields
}

func entry(fielders []Fielder) *logrus.Entry {
	return l.WithFields(merge(fielders))
}

// Debug logs at the debug level if debug logging is enabled.
func Debug(v interface{}, fielders ...Fielder) {
	if !debug {
		return
	}
	entry(fielders).Debug(v)
}

// Info logs at the info level.
func Info(v interface{}, fielders ...Fielder) {
	entry(fielders).Info(v)
}

// Warn logs at the warning level.
func Warn(v interface{}, fielders ...Fielder) {
	entry(fielders).Warn(v)
}

// Error logs at the error level.
func Error(v interface{}, fielders ...Fielder) {
	entry(fielders).Error(v)
}

// Fatal logs at the fatal level and exits with a status code != 0.
func Fatal(v interface{}, fielders ...Fielder) {
	entry(fielders).Fatal(v)
}
