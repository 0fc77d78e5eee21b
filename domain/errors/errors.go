// Package errors defines the typed failures shared by the ledger and the
// completion registrar.
package errors

import (
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is a machine-readable failure code.
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeSelfTrade           Code = "SELF_TRADE"
	CodeDuplicateMint       Code = "DUPLICATE_MINT"
	CodeDuplicateSettlement Code = "DUPLICATE_SETTLEMENT"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeInvalidPayout       Code = "INVALID_PAYOUT"
)

// Error is the typed failure returned by every ledger and registrar
// operation.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches by code so callers can use errors.Is(err, apperrors.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrInvalidState        = &Error{Code: CodeInvalidState}
	ErrUnauthorized        = &Error{Code: CodeUnauthorized}
	ErrInsufficientFunds   = &Error{Code: CodeInsufficientFunds}
	ErrSelfTrade           = &Error{Code: CodeSelfTrade}
	ErrDuplicateMint       = &Error{Code: CodeDuplicateMint}
	ErrDuplicateSettlement = &Error{Code: CodeDuplicateSettlement}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument}
	ErrInvalidPayout       = &Error{Code: CodeInvalidPayout}
)

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithMetadata attaches key/value context for logs and transport details.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// CodeOf extracts the failure code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Domain is the ErrorInfo domain attached to transport errors.
const Domain = "midna.settlement"

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument, CodeSelfTrade:
		return codes.InvalidArgument
	case CodeNotFound:
		return codes.NotFound
	case CodeUnauthorized:
		return codes.PermissionDenied
	case CodeInvalidState, CodeInsufficientFunds, CodeInvalidPayout:
		return codes.FailedPrecondition
	case CodeDuplicateMint, CodeDuplicateSettlement:
		return codes.AlreadyExists
	default:
		return codes.Unknown
	}
}

// ToGRPCStatus converts the error to a gRPC status carrying an ErrorInfo
// detail with the domain code and metadata.
func (e *Error) ToGRPCStatus() error {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	st := status.New(e.Code.GRPCCode(), msg)
	withInfo, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(e.Code),
		Domain:   Domain,
		Metadata: e.Metadata,
	})
	if err != nil {
		return st.Err()
	}
	return withInfo.Err()
}

// FromGRPCStatus recovers the domain error carried by a status produced by
// ToGRPCStatus. It returns nil when err carries no ErrorInfo.
func FromGRPCStatus(err error) *Error {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != Domain {
			continue
		}
		return &Error{Code: Code(info.GetReason()), Message: st.Message(), Metadata: info.GetMetadata()}
	}
	return nil
}
