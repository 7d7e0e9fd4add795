package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// File appends JSON lines to this path; empty disables the file output.
	File     string
	Operator OperatorConfig
}

// OperatorConfig mirrors log lines at or above MinLevel to the operator chat,
// at most PerSecond lines per second.
type OperatorConfig struct {
	Enabled   bool
	MinLevel  string
	PerSecond int
}

// Service owns the log outputs. Apply rebuilds them in place; every Logger
// handed out earlier picks up the change on its next line.
type Service struct {
	mu   sync.Mutex
	file *os.File
	op   *operatorSink

	current atomic.Pointer[zerolog.Logger]
}

func New(cfg Config) (*Service, Logger) {
	s := &Service{op: newOperatorSink()}
	s.Apply(cfg)
	return s, Logger{sink: s.load}
}

func (s *Service) load() zerolog.Logger {
	if zl := s.current.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// AttachOperator sets where mirrored lines go. chatID 0 keeps the mirror silent.
func (s *Service) AttachOperator(sender TextSender, chatID int64) {
	s.op.attach(sender, chatID)
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	level, ok := parseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, console())
	}
	if f := s.openFile(cfg.File); f != nil {
		outs = append(outs, zerolog.SyncWriter(f))
	}
	if cfg.Operator.Enabled {
		s.op.configure(cfg.Operator)
		outs = append(outs, s.op)
	}
	if len(outs) == 0 {
		outs = append(outs, console())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).Level(level).With().Timestamp().Logger()
	s.current.Store(&zl)
}

// openFile keeps the current handle when the path is unchanged. Caller holds mu.
func (s *Service) openFile(path string) *os.File {
	path = strings.TrimSpace(path)
	if s.file != nil && s.file.Name() == path {
		return s.file
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		return nil
	}
	s.file = f
	return f
}

// Close stops the operator mirror and closes the log file.
func (s *Service) Close() error {
	s.op.close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func console() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
}
