package callmgr

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildxl/distproxy/internal/buildsession"
	"github.com/buildxl/distproxy/internal/wire"
)

// errClass is the internal classification an operation failure resolves to.
// It reuses grpc's codes/status types purely as a stable error-taxonomy
// vocabulary — no grpc transport is involved, the underlying errors always
// originate from internal/transport or internal/dispatcher.
type errClass int

const (
	classFatal errClass = iota
	classTransient
	classShutdown
	classBuildIDMismatch
)

// classify inspects err (and, if present, the error frame's ErrCode) and
// returns the bucket the orchestrator's retry loop should act on.
func classify(err error, isShuttingDown bool) errClass {
	if err == nil {
		return classFatal
	}

	if isShuttingDown {
		return classShutdown
	}

	if errors.Is(err, buildsession.ErrMismatch) {
		return classBuildIDMismatch
	}

	var wireErr *wireError
	if errors.As(err, &wireErr) {
		switch wireErr.code {
		case wire.ErrCodeBuildIDMismatch:
			return classBuildIDMismatch
		case wire.ErrCodeChecksumMismatch, wire.ErrCodeTransient:
			return classTransient
		case wire.ErrCodeShutdown:
			return classShutdown
		}
		return classFatal
	}

	st, ok := status.FromError(err)
	if ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return classTransient
		case codes.Unauthenticated, codes.PermissionDenied:
			return classBuildIDMismatch
		case codes.Canceled:
			return classFatal
		}
	}

	return classFatal
}

// wireError wraps a KindError frame's code/message as a Go error so callers
// further up the stack can errors.As into the original classification.
type wireError struct {
	code wire.ErrorCode
	msg  string
}

func (e *wireError) Error() string { return string(e.code) + ": " + e.msg }

// NewWireError constructs the error internal/transport callers should return
// when a response frame carries a non-empty ErrCode.
func NewWireError(code wire.ErrorCode, msg string) error {
	return &wireError{code: code, msg: msg}
}
