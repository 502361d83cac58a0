// Package kfmt provides the kernel log. Every kernel package logs through a
// module-scoped entry so that each line is prefixed with the module name, e.g.
//
//	[vmm] mapped page 0x1000 to frame 0x2a
package kfmt

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
)

const moduleKey = "module"

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&moduleFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Logger returns a log entry that prefixes its output with module.
func Logger(module string) *logrus.Entry {
	return logger.WithField(moduleKey, module)
}

// SetOutput redirects the kernel log to w. A nil w restores the default
// (stderr).
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	logger.SetOutput(w)
}

// SetLevel sets the minimum level of messages that reach the log.
func SetLevel(level logrus.Level) {
	logger.SetLevel(level)
}

// ParseLevel converts a level name ("trace", "debug", "info", ...) into a
// logrus level.
func ParseLevel(name string) (logrus.Level, error) {
	return logrus.ParseLevel(name)
}

// moduleFormatter renders entries as "[module] message key=value ...".
type moduleFormatter struct{}

func (f *moduleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	if module, ok := entry.Data[moduleKey]; ok {
		fmt.Fprintf(&b, "[%v] ", module)
	}
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != moduleKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := entry.Data[k].(type) {
		case uintptr:
			fmt.Fprintf(&b, " %s=0x%x", k, v)
		default:
			fmt.Fprintf(&b, " %s=%v", k, v)
		}
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
