package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"SimpleBet/internal/core"
	fpmath "SimpleBet/internal/math"
)

// errMissingCaller is returned when the X-Caller-Account header is absent.
var errMissingCaller = errors.New("missing " + CallerHeader + " header")

// toStatus maps a contract error onto a gRPC status.
func toStatus(err error) *status.Status {
	if s, ok := status.FromError(err); ok {
		return s
	}

	var code codes.Code
	switch {
	case errors.Is(err, errMissingCaller):
		code = codes.Unauthenticated
	case errors.Is(err, core.ErrUnauthorized):
		code = codes.PermissionDenied
	case errors.Is(err, fpmath.ErrInvalidFraction),
		errors.Is(err, fpmath.ErrInvalidAmount),
		errors.Is(err, errBadRequest):
		code = codes.InvalidArgument
	case errors.Is(err, fpmath.ErrOverflow),
		errors.Is(err, fpmath.ErrUnderflow):
		code = codes.OutOfRange
	case errors.Is(err, core.ErrNotInitialized),
		errors.Is(err, core.ErrLegacySchema),
		errors.Is(err, core.ErrNoState),
		errors.Is(err, core.ErrUnsupportedSchema):
		code = codes.FailedPrecondition
	case errors.Is(err, core.ErrAlreadyInitialized),
		errors.Is(err, core.ErrAlreadyMigrated):
		code = codes.AlreadyExists
	case errors.Is(err, core.ErrUnknownTicket):
		code = codes.NotFound
	case errors.Is(err, core.ErrSequenceConflict):
		code = codes.Aborted
	case errors.Is(err, core.ErrStateHashMismatch),
		errors.Is(err, core.ErrCorruptState):
		code = codes.DataLoss
	case errors.Is(err, core.ErrEngineStopped):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.New(code, err.Error())
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError renders err as JSON with the HTTP status grpc-gateway uses for its
// code. The returned error is the failure to write the body, if any.
func writeError(w http.ResponseWriter, err error) (codes.Code, error) {
	s := toStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(s.Code()))
	return s.Code(), json.NewEncoder(w).Encode(errorBody{Code: s.Code().String(), Message: s.Message()})
}
