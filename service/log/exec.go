package log

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type execOption struct {
	outl, errl zapcore.Level
	outf, errf Filter
	tail       int
}

// ExecOption is an option that can be passed to Exec()
type ExecOption func(eo *execOption)

// StdoutLevel sets the level at which stdout should be logged
func StdoutLevel(l zapcore.Level) ExecOption {
	return func(eo *execOption) {
		eo.outl = l
	}
}

// StderrLevel sets the level at which stderr should be logged
func StderrLevel(l zapcore.Level) ExecOption {
	return func(eo *execOption) {
		eo.errl = l
	}
}

// Filter receives a message and the default level and returns a modified message with a new level
// if the last result is true, the msg is ignored
type Filter interface {
	Filter(msg string, defaultLevel zapcore.Level) (string, zapcore.Level, bool)
}

// FilterFunc is a function implementing Filter
type FilterFunc func(msg string, defaultLevel zapcore.Level) (string, zapcore.Level, bool)

// Filter implements Filter
func (f FilterFunc) Filter(msg string, defaultLevel zapcore.Level) (string, zapcore.Level, bool) {
	return f(msg, defaultLevel)
}

// StdoutFilter sets a function that modify a stdout message or change its level
func StdoutFilter(f Filter) ExecOption {
	return func(eo *execOption) {
		eo.outf = f
	}
}

// StderrFilter sets a function that modify a stderr message or change its level
func StderrFilter(f Filter) ExecOption {
	return func(eo *execOption) {
		eo.errf = f
	}
}

// StderrTail keeps the last n lines of stderr in the ExitError returned on failure
func StderrTail(n int) ExecOption {
	return func(eo *execOption) {
		eo.tail = n
	}
}

// ExitError is returned by Exec when the command exits with a non-zero code
type ExitError struct {
	Code int
	Tail []string
	Err  error
}

func (e *ExitError) Error() string {
	if len(e.Tail) == 0 {
		return fmt.Sprintf("exit code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit code %d: %v\n%s", e.Code, e.Err, strings.Join(e.Tail, "\n"))
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Exec wraps os/exec for logging its outputs.
// If cmd.Stdout is not set, the commands stdout will
// be sent to log.Logger(ctx) (at Info level by default).
// If cmd.Stderr is not set, the commands
// stderr will be sent to log.Logger(ctx) (at Warn level by default).
// On ctx cancellation, the cmd is Killed.
// A non-zero exit code is returned as an *ExitError.
func Exec(ctx context.Context, cmd *exec.Cmd, options ...ExecOption) error {
	opts := execOption{
		outl: zapcore.InfoLevel,
		errl: zapcore.WarnLevel,
	}
	for _, eo := range options {
		eo(&opts)
	}

	logger := Logger(ctx)
	var lout, lerr *levelledLogger
	var stdout, stderr io.Reader
	var err error

	if cmd.Stdout == nil {
		lout = &levelledLogger{Logger: logger, level: opts.outl, filter: opts.outf}
		if stdout, err = cmd.StdoutPipe(); err != nil {
			return fmt.Errorf("get stdout pipe: %w", err)
		}
	}
	if cmd.Stderr == nil {
		lerr = &levelledLogger{Logger: logger, level: opts.errl, filter: opts.errf, tail: opts.tail}
		if stderr, err = cmd.StderrPipe(); err != nil {
			return fmt.Errorf("get stderr pipe: %w", err)
		}
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cmd.start: %w", err)
	}

	logwg := sync.WaitGroup{}
	for _, l := range []struct {
		r io.Reader
		l *levelledLogger
	}{{stdout, lout}, {stderr, lerr}} {
		if l.l == nil {
			continue
		}
		logwg.Add(1)
		go func(r io.Reader, ll *levelledLogger) {
			defer logwg.Done()
			logLines(r, ll)
		}(l.r, l.l)
	}

	done := make(chan error, 1)
	go func() {
		//wait for stdout/stderr to be logged
		logwg.Wait()
		done <- cmd.Wait()
	}()

	contextDone := false
	ectx := ctx
	for {
		select {
		case <-ectx.Done():
			contextDone = true
			if err := cmd.Process.Kill(); err != nil {
				logger.Sugar().Warnf("kill: %v", err)
				return ectx.Err()
			}
			ectx = context.Background()
			//exit will be handled via done channel
		case err := <-done:
			if contextDone {
				return ctx.Err()
			}
			var eerr *exec.ExitError
			if errors.As(err, &eerr) {
				exitErr := &ExitError{Code: eerr.ExitCode(), Err: err}
				if lerr != nil {
					exitErr.Tail = lerr.lines
				}
				return exitErr
			}
			return err
		}
	}
}

func logLines(sr io.Reader, logger *levelledLogger) {
	r := bufio.NewReader(sr)
	insideTooLongLine := false
	for {
		line, err := r.ReadSlice('\n')
		if err == io.EOF {
			if !insideTooLongLine && len(line) > 0 {
				logger.Print(string(line))
			}
			return
		}
		if insideTooLongLine {
			if err == nil {
				//reset
				insideTooLongLine = false
			}
		} else if err == bufio.ErrBufferFull {
			logger.Print(fmt.Sprintf("%s ...[Message clipped]", line))
			insideTooLongLine = true
		} else if len(line) > 0 {
			logger.Print(string(line))
		}
	}
}

type levelledLogger struct {
	*zap.Logger
	level  zapcore.Level
	filter Filter
	tail   int
	lines  []string
}

func (l *levelledLogger) Print(msg string) {
	msg = strings.TrimRight(msg, "\r\n")
	level := l.level
	if l.filter != nil {
		var ignore bool
		if msg, level, ignore = l.filter.Filter(msg, level); ignore {
			return
		}
	}
	if l.tail > 0 {
		if len(l.lines) == l.tail {
			l.lines = l.lines[1:]
		}
		l.lines = append(l.lines, msg)
	}

	switch level {
	case zapcore.DebugLevel:
		l.Debug(msg)
	case zapcore.InfoLevel:
		l.Info(msg)
	case zapcore.WarnLevel:
		l.Warn(msg)
	case zapcore.ErrorLevel:
		l.Error(msg)
	default:
		// never let a tool message panic or exit the process
		l.Error(msg)
	}
}
