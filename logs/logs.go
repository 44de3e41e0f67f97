// Package logs holds the process-wide logrus logger.
package logs

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger 在 Init 之前也可用（默认 text/info 输出到 stderr）
var Logger = logrus.New()

type Options struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	File   string // 为空则只写 stderr
}

func Init(o Options) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(o.Level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	switch strings.ToLower(o.Format) {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if o.File == "" {
		Logger.SetOutput(os.Stderr)
		return
	}
	f, err := os.OpenFile(o.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		Logger.SetOutput(os.Stderr)
		Logger.Warnf("open log file %s: %v", o.File, err)
		return
	}
	Logger.SetOutput(io.MultiWriter(os.Stderr, f))
}

// Discard 测试里用，吞掉所有输出
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
