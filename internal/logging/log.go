package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const defaultTimestampFormat = "2006-01-02 15:04:05"

// Init initializes the logger based on configuration. The package-level
// logrus logger is configured the same way so that packages logging through
// the `log` alias share level, format and output.
func Init(level, output string) (*logrus.Logger, error) {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}

	writers := []io.Writer{os.Stdout}
	if output != "" && output != "stdout" {
		dir := filepath.Dir(output)
		if dir != "." && dir != ".." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}

		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}
	out := io.MultiWriter(writers...)

	for _, l := range []*logrus.Logger{logger, logrus.StandardLogger()} {
		l.SetLevel(logLevel)
		l.SetReportCaller(true)
		l.SetFormatter(&BracketFormatter{TimestampFormat: defaultTimestampFormat})
		l.SetOutput(out)
	}

	return logger, nil
}

// BracketFormatter renders entries as
// "[time] [LEVEL] [file:line] message key=value ...".
type BracketFormatter struct {
	TimestampFormat string
}

// Format implements logrus.Formatter
func (f *BracketFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	tsFormat := f.TimestampFormat
	if tsFormat == "" {
		tsFormat = defaultTimestampFormat
	}
	fmt.Fprintf(&b, "[%s] [%s]", entry.Time.Format(tsFormat), strings.ToUpper(entry.Level.String()))
	if entry.HasCaller() {
		fmt.Fprintf(&b, " [%s:%d]", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}
