package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// JournalMode selects whether records also go to the systemd journal.
type JournalMode string

const (
	JournalAuto JournalMode = "auto"
	JournalOn   JournalMode = "on"
	JournalOff  JournalMode = "off"
)

type Options struct {
	// Writer receives human-readable records. Defaults to stderr. It is
	// skipped when running as a systemd service with the journal enabled.
	Writer io.Writer
	// Level is one of debug, info, warn, error.
	Level string
	// JSONFile, when set, appends JSON records to that file.
	JSONFile string
	Journal  JournalMode
}

// Logger bundles the root logger with the level it reads and the resources
// it holds open.
type Logger struct {
	*slog.Logger
	Level   *slog.LevelVar
	closers []io.Closer
}

func (l *Logger) Close() error {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	l.closers = nil
	return errors.Join(errs...)
}

func New(opts Options) (*Logger, error) {
	level := new(slog.LevelVar)
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	level.Set(lvl)

	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}
	mode := opts.Journal
	if mode == "" {
		mode = JournalAuto
	}

	isService := isSystemdService()
	useJournal := mode == JournalOn || (mode == JournalAuto && isService)

	var (
		handlers []slog.Handler
		closers  []io.Closer
	)

	// local
	var terminalHandler slog.Handler
	if !(useJournal && isService) {
		terminalHandler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
		handlers = append(handlers, terminalHandler)
	}

	if opts.JSONFile != "" {
		f, err := os.OpenFile(opts.JSONFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		closers = append(closers, f)
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	}

	// systemd journal
	if useJournal {
		journalHandler, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: level,
			ReplaceGroup: func(key string) string {
				return toJournalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			if terminalHandler != nil {
				record := slog.NewRecord(time.Now(), slog.LevelWarn, "new systemd journal handler", 0)
				record.Add("error", err)
				_ = terminalHandler.Handle(context.Background(), record)
			}
		} else {
			handlers = append(handlers, journalHandler)
		}
	}

	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level}))
	}

	return &Logger{
		Logger: slog.New(&Handler{
			Handler: slogmulti.Fanout(handlers...),
		}),
		Level:   level,
		closers: closers,
	}, nil
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}

func isSystemdService() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	if len(parts) < 3 {
		return false
	}
	return strings.HasSuffix(path.Dir(parts[2]), ".service")
}
