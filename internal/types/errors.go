package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failures the core reports.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindAccountNotFound
	KindContractNotFound
	KindFieldNotSet
	KindNonceMismatch
	KindInsufficientBalance
	KindExecution
	KindTransactionNotFound
	KindNotADeployment
	KindUnsupportedMethod
	KindParse
	KindInternal
	kindCount
)

// RPC error codes used on the wire.
const (
	CodeMisc           = -1
	CodeInvalidAddress = -5
	CodeInvalidParam   = -8
	CodeDatabase       = -20
	CodeVerifyRejected = -26
	CodeParse          = -32700
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
)

var kindInfo = [kindCount]struct {
	name string
	code int
}{
	KindValidation:          {"ValidationError", CodeInvalidParam},
	KindAccountNotFound:     {"AccountNotFound", CodeInvalidAddress},
	KindContractNotFound:    {"ContractNotFound", CodeInvalidAddress},
	KindFieldNotSet:         {"FieldNotSet", CodeInvalidAddress},
	KindNonceMismatch:       {"NonceMismatch", CodeVerifyRejected},
	KindInsufficientBalance: {"InsufficientBalance", CodeVerifyRejected},
	KindExecution:           {"ExecutionError", CodeMisc},
	KindTransactionNotFound: {"TransactionNotFound", CodeDatabase},
	KindNotADeployment:      {"NotADeployment", CodeInvalidParam},
	KindUnsupportedMethod:   {"UnsupportedMethod", CodeMethodNotFound},
	KindParse:               {"ParseError", CodeParse},
	KindInternal:            {"InternalError", CodeInternal},
}

func (k ErrorKind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return kindInfo[k].name
}

// Code returns the RPC error code for the kind.
func (k ErrorKind) Code() int {
	if k < 0 || k >= kindCount {
		return CodeInternal
	}
	return kindInfo[k].code
}

// Error is a structured core failure: a kind with a fixed code, a message
// and optional data for the caller.
type Error struct {
	Kind    ErrorKind
	Message string
	Data    any
}

// NewError builds an Error with attached data.
func NewError(kind ErrorKind, data any, message string) *Error {
	return &Error{Kind: kind, Message: message, Data: data}
}

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Code returns the RPC error code.
func (e *Error) Code() int {
	return e.Kind.Code()
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k})
// works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the kind of err. Unknown errors are InternalError.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError converts err into an *Error, wrapping unknown errors as
// InternalError.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}
