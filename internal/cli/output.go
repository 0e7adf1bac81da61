package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/sprintsync/internal/reconcile"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a sync or a peer failed
	ExitCommandError = 2 // the command could not start: flags, config, store
)

// ExitError carries an exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// commandError reports a command that could not start. err may be nil.
func commandError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitCommandError, Message: msg, Err: err}
}

// failure reports a command that started and then failed.
func failure(msg string, err error) *ExitError {
	return &ExitError{Code: ExitFailure, Message: msg, Err: err}
}

// ExitCode is the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

// ErrorCode is the sync error code carried by err, or E<exit code>.
func ErrorCode(err error) string {
	var se *reconcile.SyncError
	if errors.As(err, &se) {
		return string(se.Code)
	}
	return fmt.Sprintf("E%03d", ExitCode(err))
}

// Texter is a result with its own text rendering.
type Texter interface {
	Text(w io.Writer) error
}

type envelope struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// output writes command results to out and diagnostics to diag. In JSON
// mode out carries exactly one envelope.
type output struct {
	json    bool
	verbose bool
	out     io.Writer
	diag    io.Writer
}

func newOutput(format string, verbose bool, out, diag io.Writer) *output {
	if diag == nil {
		diag = io.Discard
	}
	return &output{json: format == "json", verbose: verbose, out: out, diag: diag}
}

// print renders a successful result.
func (o *output) print(v any) error {
	if o.json {
		enc := json.NewEncoder(o.out)
		enc.SetIndent("", "  ")
		return enc.Encode(envelope{Status: "ok", Data: v})
	}
	if t, ok := v.(Texter); ok {
		return t.Text(o.out)
	}
	_, err := fmt.Fprintln(o.out, v)
	return err
}

// fail renders err.
func (o *output) fail(err error) {
	code := ErrorCode(err)
	if o.json {
		_ = json.NewEncoder(o.out).Encode(envelope{
			Status: "error",
			Error:  &errorBody{Code: code, Message: err.Error()},
		})
		return
	}
	fmt.Fprintf(o.out, "Error [%s]: %v\n", code, err)
}

// debugf writes a diagnostic line when verbose.
func (o *output) debugf(format string, args ...any) {
	if o.verbose {
		fmt.Fprintf(o.diag, format+"\n", args...)
	}
}
