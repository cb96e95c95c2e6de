package status

import (
	"errors"
	"fmt"
	"strconv"
)

// Code is a result code. Non-negative values are returned by the server on the
// wire, negative values are produced by the client.
type Code int

// client side codes
const (
	ErrTxnFailed          Code = -17
	ErrBatchFailed        Code = -16
	NoResponse            Code = -15
	ErrMaxErrorRate       Code = -14
	UseNormalRetry        Code = -13
	ErrMaxRetriesExceeded Code = -12
	ErrAsyncQueueFull     Code = -11
	ErrConnection         Code = -10
	ErrInvalidNode        Code = -8
	ErrNoMoreConnections  Code = -7
	ErrClientAbort        Code = -5
	NoMoreRecords         Code = -3
	ErrParam              Code = -2
	ErrClient             Code = -1
)

// server side codes
const (
	OK                    Code = 0
	ErrServer             Code = 1
	ErrRecordNotFound     Code = 2
	ErrRecordGeneration   Code = 3
	ErrRequestInvalid     Code = 4
	ErrRecordExists       Code = 5
	ErrBinExists          Code = 6
	ErrClusterChange      Code = 7
	ErrServerFull         Code = 8
	ErrTimeout            Code = 9
	ErrAlwaysForbidden    Code = 10
	ErrCluster            Code = 11
	ErrBinIncompatible    Code = 12
	ErrRecordTooBig       Code = 13
	ErrRecordBusy         Code = 14
	ErrUnsupportedFeature Code = 16
	ErrBinNotFound        Code = 17
	ErrDeviceOverload     Code = 18
	ErrKeyMismatch        Code = 19
	ErrNamespaceNotFound  Code = 20
	ErrBinName            Code = 21
	ErrFailForbidden      Code = 22
	FilteredOut           Code = 27
	LostConflict          Code = 28
	ErrUDF                Code = 100
	ErrTxnBlocked         Code = 120
	ErrTxnVersionMismatch Code = 121
	ErrTxnExpired         Code = 122
	ErrTxnTooManyWrites   Code = 123
	ErrTxnCommitted       Code = 124
	ErrTxnAborted         Code = 125
	ErrBatchDisabled      Code = 150
	ErrBatchMaxRequests   Code = 151
	ErrBatchQueuesFull    Code = 152
)

var codeMessages = map[Code]string{
	ErrTxnFailed:          "transaction failed",
	ErrBatchFailed:        "one or more batch sub-commands failed",
	NoResponse:            "no response received from server",
	ErrMaxErrorRate:       "max error rate exceeded",
	UseNormalRetry:        "use normal retry",
	ErrMaxRetriesExceeded: "max retries exceeded",
	ErrAsyncQueueFull:     "async delay queue is full",
	ErrConnection:         "connection error",
	ErrInvalidNode:        "invalid node",
	ErrNoMoreConnections:  "no more connections available",
	ErrClientAbort:        "client abort",
	NoMoreRecords:         "no more records",
	ErrParam:              "invalid client parameter",
	ErrClient:             "client error",
	OK:                    "success",
	ErrServer:             "server error",
	ErrRecordNotFound:     "record not found",
	ErrRecordGeneration:   "generation error",
	ErrRequestInvalid:     "invalid request",
	ErrRecordExists:       "record already exists",
	ErrBinExists:          "bin already exists",
	ErrClusterChange:      "cluster change",
	ErrServerFull:         "server full",
	ErrTimeout:            "timeout",
	ErrAlwaysForbidden:    "operation not allowed",
	ErrCluster:            "cluster error",
	ErrBinIncompatible:    "bin type error",
	ErrRecordTooBig:       "record too big",
	ErrRecordBusy:         "hot key",
	ErrUnsupportedFeature: "unsupported server feature",
	ErrBinNotFound:        "bin not found",
	ErrDeviceOverload:     "device overload",
	ErrKeyMismatch:        "key mismatch",
	ErrNamespaceNotFound:  "namespace not found",
	ErrBinName:            "bin name too long",
	ErrFailForbidden:      "operation forbidden",
	FilteredOut:           "transaction filtered out",
	LostConflict:          "write lost conflict",
	ErrUDF:                "UDF error",
	ErrTxnBlocked:         "transaction record blocked",
	ErrTxnVersionMismatch: "transaction version mismatch",
	ErrTxnExpired:         "transaction expired",
	ErrTxnTooManyWrites:   "transaction too many writes",
	ErrTxnCommitted:       "transaction already committed",
	ErrTxnAborted:         "transaction already aborted",
	ErrBatchDisabled:      "batch functionality has been disabled",
	ErrBatchMaxRequests:   "batch max requests exceeded",
	ErrBatchQueuesFull:    "all batch queues are full",
}

func (c Code) String() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "result code " + strconv.Itoa(int(c))
}

// IsRowError reports whether a per-record result counts against the batch.
// Not found and filtered out are expected outcomes of a read.
func (c Code) IsRowError() bool {
	return c != OK && c != ErrRecordNotFound && c != FilteredOut
}

// Error classes. Use errors.Is against these to branch on the kind of failure
// regardless of the exact code.
var (
	ErrClientClass     = errors.New("client error")
	ErrInvalidNodeKind = errors.New("invalid node")
	ErrNodesNotFound   = errors.New("nodes not found")
	ErrTimeoutKind     = errors.New("timeout")
	ErrNetwork         = errors.New("network error")
	ErrServerKind      = errors.New("server error")
	ErrBatchFailedKind = errors.New("batch failed")
)

// Error is a coded failure of a command or of a whole batch call.
type Error struct {
	Code      Code
	Msg       string
	Node      string
	Iteration int
	InDoubt   bool
	class     error
}

func New(code Code, format string, args ...interface{}) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Msg: msg}
}

// NodesNotFound is returned when no key of a batch could be routed.
func NodesNotFound(namespace string) *Error {
	return &Error{
		Code:  ErrInvalidNode,
		Msg:   fmt.Sprintf("no nodes found for namespace %q", namespace),
		class: ErrNodesNotFound,
	}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	s := fmt.Sprintf("%s (code %d)", msg, e.Code)
	if e.Node != "" {
		s += ", node " + e.Node
	}
	if e.Iteration > 0 {
		s += ", iteration " + strconv.Itoa(e.Iteration)
	}
	if e.InDoubt {
		s += ", in doubt"
	}
	return s
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Code == e.Code
	}
	return target == e.Class()
}

// Class maps the code to one of the error classes.
func (e *Error) Class() error {
	if e.class != nil {
		return e.class
	}
	switch e.Code {
	case ErrTimeout:
		return ErrTimeoutKind
	case ErrConnection, ErrNoMoreConnections:
		return ErrNetwork
	case ErrInvalidNode:
		return ErrInvalidNodeKind
	case ErrBatchFailed:
		return ErrBatchFailedKind
	}
	if e.Code < 0 {
		return ErrClientClass
	}
	return ErrServerKind
}

// WithNode returns a copy of e annotated with the node name and iteration.
func (e *Error) WithNode(node string, iteration int) *Error {
	c := *e
	c.Node = node
	c.Iteration = iteration
	return &c
}

// CodeOf extracts the result code carried by err. Errors that are not coded
// are reported as ErrClient.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrClient
}

// IsRetryable reports whether a command that failed with err may be sent again.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrTimeout, ErrConnection, ErrNoMoreConnections, ErrRecordBusy, ErrDeviceOverload:
		return true
	}
	return false
}
