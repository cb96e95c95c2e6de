package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	LogFieldsContextKey = contextKey("log_fields")

	ProjectDirectoryName = "clusterkv"
	ModuleName           = "github.com/treeverse/clusterkv"

	// durationStringSuffix is appended to the key of a duration field for its
	// human readable copy.
	durationStringSuffix = "_str"
)

// log_fields keys
const (
	// NodeFieldKey cluster node name (string)
	NodeFieldKey = "node"
	// NamespaceFieldKey record namespace (string)
	NamespaceFieldKey = "namespace"
	// BatchIDFieldKey id of one batch operation, shared by all its node commands (string)
	BatchIDFieldKey = "batch_id"
	// IterationFieldKey retry iteration of a node command (int)
	IterationFieldKey = "iteration"
	// OffsetsFieldKey number of records carried by a node command (int)
	OffsetsFieldKey = "offsets"
	// TxnIDFieldKey transaction id (uint64)
	TxnIDFieldKey = "txn_id"
	// ServiceNameFieldKey service name (string, ex: cluster)
	ServiceNameFieldKey = "service_name"
)

var (
	formatterInitOnce sync.Once
	defaultLogger     = logrus.New()

	writersMu sync.Mutex
	writers   []io.Closer
)

func Level() string {
	return defaultLogger.GetLevel().String()
}

type Fields map[string]interface{}

// logCallerTrimmer is used to trim the caller paths to be relative to the project root
func logCallerTrimmer(frame *runtime.Frame) (function string, file string) {
	indexOfModule := strings.Index(strings.ToLower(frame.File), ProjectDirectoryName)
	if indexOfModule != -1 {
		file = frame.File[indexOfModule+len(ProjectDirectoryName):]
		// skip the rest of a suffixed checkout directory name
		if sep := strings.IndexRune(file, os.PathSeparator); sep > 0 {
			file = file[sep:]
		}
	} else {
		file = frame.File
	}
	file = fmt.Sprintf("%s:%d", strings.TrimPrefix(file, string(os.PathSeparator)), frame.Line)
	function = strings.TrimPrefix(frame.Function, fmt.Sprintf("%s%s", ModuleName, string(os.PathSeparator)))
	return
}

func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		defaultLogger.SetLevel(logrus.TraceLevel)
	case "debug":
		defaultLogger.SetLevel(logrus.DebugLevel)
	case "info":
		defaultLogger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		defaultLogger.SetLevel(logrus.WarnLevel)
	case "error":
		defaultLogger.SetLevel(logrus.ErrorLevel)
	case "panic":
		defaultLogger.SetLevel(logrus.PanicLevel)
	case "null", "none":
		defaultLogger.SetLevel(logrus.PanicLevel)
		defaultLogger.SetOutput(io.Discard)
	}
}

// SetOutputs directs log output to outputs: "-" is stdout, "=" is stderr and
// anything else is a rotated file. Writers opened by an earlier call are
// closed.
func SetOutputs(outputs []string, fileMaxSizeMB, filesKeep int) error {
	var (
		ws      []io.Writer
		closers []io.Closer
	)
	for _, output := range outputs {
		var w io.Writer
		switch output {
		case "":
			continue
		case "-":
			w = os.Stdout
		case "=":
			w = os.Stderr
		default:
			l := &lumberjack.Logger{
				Filename:   output,
				MaxSize:    fileMaxSizeMB,
				MaxBackups: filesKeep,
			}
			w = l
			closers = append(closers, l)
		}
		ws = append(ws, w)
	}
	if len(ws) == 0 {
		return nil
	}
	if err := CloseWriters(); err != nil {
		return err
	}
	writersMu.Lock()
	writers = closers
	writersMu.Unlock()
	if len(ws) == 1 {
		defaultLogger.SetOutput(ws[0])
	} else {
		defaultLogger.SetOutput(io.MultiWriter(ws...))
	}
	return nil
}

// CloseWriters closes the file outputs opened by SetOutputs.
func CloseWriters() error {
	writersMu.Lock()
	defer writersMu.Unlock()
	var errs *multierror.Error
	for _, c := range writers {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	writers = nil
	return errs.ErrorOrNil()
}

func SetOutputFormat(format string) {
	var formatter logrus.Formatter
	switch strings.ToLower(format) {
	case "text":
		formatter = &logrus.TextFormatter{
			FullTimestamp:          true,
			DisableLevelTruncation: true,
			PadLevelText:           true,
			QuoteEmptyFields:       true,
			CallerPrettyfier:       logCallerTrimmer,
		}
	case "json":
		formatter = &logrus.JSONFormatter{
			CallerPrettyfier: logCallerTrimmer,
			PrettyPrint:      false,
		}
	default:
		return // no known formatter found
	}

	// wrap it with our caller formatter
	defaultLogger.SetFormatter(logrusCallerFormatter{formatter})
}

// Logger is the structured logger used across the module. Check IsTracing or
// IsDebugging before building expensive fields.
type Logger interface {
	WithContext(ctx context.Context) Logger
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	Trace(args ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	IsTracing() bool
	IsDebugging() bool
	IsWarn() bool
}

type logrusEntryWrapper struct {
	e *logrus.Entry
}

func (l *logrusEntryWrapper) WithContext(ctx context.Context) Logger {
	return addFromContext(
		&logrusEntryWrapper{l.e.WithContext(ctx)},
		ctx,
	)
}

func (l *logrusEntryWrapper) WithField(key string, value interface{}) Logger {
	if d, ok := value.(time.Duration); ok {
		return l.WithFields(Fields{key: d})
	}
	return &logrusEntryWrapper{l.e.WithField(key, value)}
}

func (l *logrusEntryWrapper) WithFields(fields Fields) Logger {
	return &logrusEntryWrapper{l.e.WithFields(expandDurations(fields))}
}

// expandDurations logs durations as integer nanoseconds with a readable copy
// under the suffixed key.
func expandDurations(fields Fields) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for k, v := range fields {
		if d, ok := v.(time.Duration); ok {
			out[k] = int64(d)
			out[k+durationStringSuffix] = d.String()
			continue
		}
		out[k] = v
	}
	return out
}

func (l *logrusEntryWrapper) WithError(err error) Logger {
	return &logrusEntryWrapper{l.e.WithError(err)}
}

func (l *logrusEntryWrapper) Trace(args ...interface{}) { l.e.Trace(args...) }
func (l *logrusEntryWrapper) Debug(args ...interface{}) { l.e.Debug(args...) }
func (l *logrusEntryWrapper) Info(args ...interface{})  { l.e.Info(args...) }
func (l *logrusEntryWrapper) Warn(args ...interface{})  { l.e.Warn(args...) }
func (l *logrusEntryWrapper) Error(args ...interface{}) { l.e.Error(args...) }

func (l *logrusEntryWrapper) IsTracing() bool {
	return l.e.Logger.IsLevelEnabled(logrus.TraceLevel)
}

func (l *logrusEntryWrapper) IsDebugging() bool {
	return l.e.Logger.IsLevelEnabled(logrus.DebugLevel)
}

func (l *logrusEntryWrapper) IsWarn() bool {
	return l.e.Logger.IsLevelEnabled(logrus.WarnLevel)
}

type logrusCallerFormatter struct {
	f logrus.Formatter
}

func (lf logrusCallerFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Caller = getCaller()
	return lf.f.Format(e)
}

// getCaller returns the first frame outside logrus and this package.
func getCaller() *runtime.Frame {
	pcs := make([]uintptr, 25)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "github.com/sirupsen/logrus") &&
			!strings.HasPrefix(frame.Function, ModuleName+"/pkg/logging.") {
			return &frame
		}
		if !more {
			return nil
		}
	}
}

func Default() Logger {
	// wrap formatter with our own formatter that overrides caller
	formatterInitOnce.Do(func() {
		defaultLogger.SetReportCaller(true)
		defaultLogger.SetNoLock()
		defaultLogger.Formatter = logrusCallerFormatter{defaultLogger.Formatter}
	})
	return &logrusEntryWrapper{
		e: logrus.NewEntry(defaultLogger),
	}
}

// Dummy returns a logger that discards everything. Used by tests.
func Dummy() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &logrusEntryWrapper{e: logrus.NewEntry(l)}
}

// ContextUnavailable returns the default logger for code paths without a
// context.
func ContextUnavailable() Logger {
	return Default()
}

func addFromContext(log Logger, ctx context.Context) Logger {
	fields := GetFieldsFromContext(ctx)
	if fields == nil {
		return log
	}
	return log.WithFields(fields)
}

// GetFieldsFromContext returns the log fields carried by ctx, or nil.
func GetFieldsFromContext(ctx context.Context) Fields {
	fields, _ := ctx.Value(LogFieldsContextKey).(Fields)
	return fields
}

func FromContext(ctx context.Context) Logger {
	return addFromContext(Default(), ctx)
}

func AddFields(ctx context.Context, fields Fields) context.Context {
	loggerFields := Fields{}
	for k, v := range GetFieldsFromContext(ctx) {
		loggerFields[k] = v
	}
	for k, v := range fields {
		loggerFields[k] = v
	}
	return context.WithValue(ctx, LogFieldsContextKey, loggerFields)
}
