package errcore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"
)

// Classified lets an error declare its own severity and kind
type Classified interface {
	error
	Severity() Severity
	Kind() Kind
}

// Classify maps an error to a severity and kind.
// Malformed input is Low, I/O is Medium, unimplemented and runtime faults are High,
// anything unrecognised is Critical.
func Classify(err error) (Severity, Kind) {
	if err == nil {
		return SeverityLow, KindUnknown
	}

	var classified Classified
	if errors.As(err, &classified) {
		return classified.Severity(), classified.Kind()
	}

	if isInputError(err) {
		return SeverityLow, KindInput
	}
	if isIOError(err) {
		return SeverityMedium, KindIO
	}
	if isLogicError(err) {
		return SeverityHigh, KindLogic
	}

	return SeverityCritical, KindUnknown
}

func isInputError(err error) bool {
	if errors.Is(err, ErrInvalidInput) {
		return true
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var numErr *strconv.NumError
	var timeErr *time.ParseError
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.As(err, &numErr) ||
		errors.As(err, &timeErr)
}

func isIOError(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pathErr *fs.PathError
	var syscallErr *os.SyscallError
	var exitErr *exec.ExitError
	var netErr net.Error
	return errors.As(err, &pathErr) ||
		errors.As(err, &syscallErr) ||
		errors.As(err, &exitErr) ||
		errors.As(err, &netErr)
}

func isLogicError(err error) bool {
	if errors.Is(err, ErrNotImplemented) {
		return true
	}

	var panicErr *PanicError
	var runtimeErr runtime.Error
	return errors.As(err, &panicErr) || errors.As(err, &runtimeErr)
}
