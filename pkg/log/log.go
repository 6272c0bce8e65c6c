// Package log configures the process-wide logrus logger: level, text or JSON
// formatting, and an optional rotating log file next to stderr.
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options selects how the engine logs.
type Options struct {
	Level  string          `yaml:"level"`
	JSON   bool            `yaml:"json"`
	File   *RotationConfig `yaml:"file"`
	Output io.Writer       `yaml:"-"`
}

// Setup applies opts to the standard logrus logger. The returned closer
// releases the log file, if any.
func Setup(opts Options) (io.Closer, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		l, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}
	logrus.SetLevel(level)

	if opts.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.File == nil {
		logrus.SetOutput(out)
		return nopCloser{}, nil
	}

	w, err := NewRotatingFileWriter(*opts.File)
	if err != nil {
		return nil, err
	}
	logrus.SetOutput(io.MultiWriter(out, w))
	return w, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
