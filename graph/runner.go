package graph

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"go.uber.org/zap/zapcore"
)

// ExitStatus of an external tool
type ExitStatus struct {
	Code int
	Tail []string // Last lines of stderr
}

// Runner executes external tools
type Runner interface {
	Run(ctx context.Context, tool string, args []string) (ExitStatus, error)
}

// ExecRunner runs the tools as local processes, logging their outputs
type ExecRunner struct {
	// Env of the processes, appended to the current environment
	Env []string
	// Dir is the working directory of the processes
	Dir string
	// TailSize is the number of lines of stderr kept in the ExitStatus
	TailSize int
}

// Run implements Runner
func (r ExecRunner) Run(ctx context.Context, tool string, args []string) (ExitStatus, error) {
	cmd := exec.Command(tool, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	tail := r.TailSize
	if tail == 0 {
		tail = 10
	}

	filter := NewLogFilter(tool)
	err := log.Exec(ctx, cmd, log.StdoutLevel(zapcore.DebugLevel), log.StdoutFilter(filter), log.StderrFilter(filter), log.StderrTail(tail))
	if err == nil {
		return ExitStatus{}, nil
	}
	var eerr *log.ExitError
	if errors.As(err, &eerr) {
		return ExitStatus{Code: eerr.Code, Tail: eerr.Tail}, filter.WrapError(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ExitStatus{Code: -1}, err
	}
	// The tool cannot be started
	return ExitStatus{Code: -1}, service.MakeFatal(err)
}

type LogFilter interface {
	log.Filter
	// WrapError wraps the error with additionnal information from the logs
	WrapError(err error) error
}

// NewLogFilter returns the LogFilter suited to the tool
func NewLogFilter(tool string) LogFilter {
	base := filepath.Base(tool)
	switch {
	case strings.HasPrefix(base, "otbcli_"):
		return &OTBLogFilter{}
	case strings.HasSuffix(base, ".py") || strings.HasPrefix(base, "python"):
		return &PythonLogFilter{}
	}
	return &CmdLogFilter{}
}

// PythonLogFilter formats log from python
type PythonLogFilter struct {
	lastError string
}

// CmdLogFilter formats log from other commands
type CmdLogFilter struct {
	lastError string
}

// OTBLogFilter formats log from Orfeo ToolBox applications
type OTBLogFilter struct {
	lastError string
}

var temporaryErrs = []string{
	"temporary failure",
	"timed out",
	"cannot allocate memory",
}

// WrapError implements LogFilter
func (f *PythonLogFilter) WrapError(err error) error {
	if f.lastError != "" && err != nil {
		err = service.MergeErrors(true, err, errors.New(f.lastError))
		strerr := strings.ToLower(err.Error())
		if strings.Contains(strerr, "fatal") {
			return service.MakeFatal(err)
		}
		for _, tmpErr := range temporaryErrs {
			if strings.Contains(strerr, tmpErr) {
				return service.MakeTemporary(err)
			}
		}
	}
	return err
}

// Filter implement log.Filter
func (f *PythonLogFilter) Filter(msg string, defaultLevel zapcore.Level) (string, zapcore.Level, bool) {
	trimmedmsg := strings.TrimSpace(msg)
	if strings.HasPrefix(trimmedmsg, "FATAL:") || strings.HasPrefix(trimmedmsg, "ERROR:") {
		f.lastError = msg
		return msg, zapcore.ErrorLevel, false
	}
	if strings.HasPrefix(trimmedmsg, "Traceback") {
		return msg, zapcore.WarnLevel, false
	}
	return msg, defaultLevel, false
}

// WrapError implements LogFilter
func (f *OTBLogFilter) WrapError(err error) error {
	if f.lastError != "" && err != nil {
		lower := strings.ToLower(f.lastError)
		switch {
		case strings.Contains(lower, "no such file"), strings.Contains(lower, "parameter"), strings.Contains(lower, "does not exist"):
			err = service.MakeFatal(err)
		default:
			for _, tmpErr := range temporaryErrs {
				if strings.Contains(lower, tmpErr) {
					err = service.MakeTemporary(err)
					break
				}
			}
		}
		return fmt.Errorf("%w (%v)", err, f.lastError)
	}
	return err
}

// Filter implement log.Filter
func (f *OTBLogFilter) Filter(msg string, defaultLevel zapcore.Level) (string, zapcore.Level, bool) {
	trimmedmsg := strings.TrimSpace(msg)
	if trimmedmsg == "" {
		return msg, defaultLevel, true
	}
	// Progress bars
	if strings.Contains(trimmedmsg, "[*") || strings.Contains(trimmedmsg, "% [") {
		return msg, zapcore.DebugLevel, true
	}
	if strings.Contains(trimmedmsg, "(FATAL)") || strings.Contains(trimmedmsg, "(CRITICAL)") {
		f.lastError = msg
		return msg, zapcore.ErrorLevel, false
	}
	if strings.Contains(trimmedmsg, "(WARNING)") {
		return msg, zapcore.WarnLevel, false
	}
	if strings.Contains(trimmedmsg, "(INFO)") || strings.Contains(trimmedmsg, "(DEBUG)") {
		return msg, zapcore.DebugLevel, false
	}
	return msg, defaultLevel, false
}

// WrapError implements LogFilter
func (f *CmdLogFilter) WrapError(err error) error {
	if f.lastError != "" && err != nil {
		if strings.Contains(f.lastError, "FATAL ERROR:") {
			err = service.MakeFatal(err)
		}
		if strings.Contains(f.lastError, "TEMPORARY ERROR:") {
			err = service.MakeTemporary(err)
		}
		return fmt.Errorf("%w (%v)", err, f.lastError)
	}
	return err
}

// Filter implement log.Filter
func (f *CmdLogFilter) Filter(msg string, defaultLevel zapcore.Level) (string, zapcore.Level, bool) {
	msg = strings.TrimSuffix(msg, "\n")
	trimmedmsg := strings.TrimSpace(msg)
	if strings.Contains(trimmedmsg, "ERROR:") {
		f.lastError = msg
		return msg, zapcore.ErrorLevel, false
	} else if strings.HasPrefix(trimmedmsg, "WARN:") {
		return msg, zapcore.WarnLevel, false
	}
	return msg, zapcore.DebugLevel, false
}
