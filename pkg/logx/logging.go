package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the sinks and the level. With no sink enabled, output
// falls back to the console writer.
type Config struct {
	Level   string
	Console bool
	// JSON switches the console sink from the pretty writer to raw JSON lines.
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile  = "flexpower.log"
	defaultLogLevel = zerolog.InfoLevel
)

var levels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

func levelOf(s string) zerolog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l
	}
	return defaultLogLevel
}

// ValidLevel reports whether s names a known level. Empty means the default.
func ValidLevel(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	_, ok := levels[s]
	return ok || s == ""
}

// Field adds one key to an event. Fields apply in order.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field        { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack attaches a recovered goroutine trace, skipping blank ones.
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger is a value type. One obtained from a Service follows its later
// Apply calls; the zero value discards everything.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

var nop = zerolog.Nop()

func Nop() Logger { return Logger{fixed: &nop} }

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) sink() *zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.fixed != nil:
		return l.fixed
	}
	return &nop
}

// With returns a logger that stamps fields on every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	e := l.sink().WithLevel(level)
	if e == nil {
		return
	}
	// emit <- Info <- call site
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// Service owns the sinks. Apply rebuilds them; loggers handed out earlier
// pick up the change on their next event.
type Service struct {
	mu   sync.Mutex
	out  io.Writer
	file *os.File
	zl   atomic.Pointer[zerolog.Logger]
}

// New logs to stdout.
func New(cfg Config) (*Service, Logger) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with the console sink redirected to out.
func NewWithWriter(cfg Config, out io.Writer) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
	if out == nil {
		out = os.Stdout
	}
	s := &Service{out: out}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return zl
	}
	return &nop
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Close releases the log file, if one is open.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// Apply swaps the level and sinks. A log file that cannot be opened is
// reported through the new logger and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		if cfg.JSON {
			sinks = append(sinks, s.out)
		} else {
			sinks = append(sinks, console(s.out))
		}
	}
	var fileErr error
	path := strings.TrimSpace(cfg.File.Path)
	if cfg.File.Enabled {
		if path == "" {
			path = defaultLogFile
		}
		f, err := openLogFile(path)
		if err != nil {
			fileErr = err
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, console(s.out))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(levelOf(cfg.Level)).With().Timestamp().Logger()
	s.zl.Store(&zl)
	if fileErr != nil {
		zl.Warn().Err(fileErr).Str("path", path).Msg("log file disabled")
	}
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		// Caller is already file:line.
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
