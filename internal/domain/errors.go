package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, refined per subsystem by NewSubSystemError.
var (
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("operation timed out")
	ErrInvalidInput  = errors.New("invalid input")
	ErrProviderError = errors.New("provider error")
	ErrUpstream      = errors.New("upstream error")
)

var (
	ErrProviderNotFound = errors.New("llm provider not found")
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolFailure      = errors.New("tool execution failed")
	ErrToolArgs         = errors.New("tool arguments invalid")
	ErrToolsCredential  = errors.New("tools credential not configured")
	ErrEncryption       = errors.New("encryption operation failed")
	ErrDecryption       = errors.New("decryption failed")

	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrThreadBusy      = errors.New("thread has a request in flight")
	ErrNotUserMessage  = errors.New("message is not a user message")

	ErrUnknownContext = errors.New("unknown context key")

	// Provider failures the chat pipeline reacts to.
	ErrContextOverflow = errors.New("context window exceeded")
	ErrRateLimit       = errors.New("rate limit exceeded")
	ErrAuthInvalid     = errors.New("authentication failed")
	ErrCircuitOpen     = errors.New("provider circuit open")
)

// DomainError attaches the failing operation and a detail to a sentinel.
type DomainError struct {
	Op        string
	Err       error
	Detail    string
	SubSystem string
}

func (e *DomainError) Error() string {
	if e.Detail == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Detail + ": " + e.Err.Error()
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError returns a DomainError for op.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError is NewDomainError with a subsystem tag, which selects
// a more specific ErrorCode for category sentinels.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp prefixes err with op. A nil err stays nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether retrying later may succeed.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrCircuitOpen)
}

// UpstreamError is a non-success status from an external HTTP API.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s: upstream status %d", e.Service, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return ErrUpstream }

// ErrorCode is the machine-readable category carried by error envelopes.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure      ErrorCode = "TOOL_FAILURE"
	CodeToolArgs         ErrorCode = "TOOL_ARGS_INVALID"
	CodeToolsCredential  ErrorCode = "TOOLS_CREDENTIAL"
	CodeEncryption       ErrorCode = "ENCRYPTION"
	CodeDecryption       ErrorCode = "DECRYPTION"
	CodeThreadNotFound   ErrorCode = "THREAD_NOT_FOUND"
	CodeMessageNotFound  ErrorCode = "MESSAGE_NOT_FOUND"
	CodeThreadBusy       ErrorCode = "THREAD_BUSY"
	CodeNotUserMessage   ErrorCode = "NOT_USER_MESSAGE"
	CodeUnknownContext   ErrorCode = "UNKNOWN_CONTEXT"
	CodeContextOverflow  ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"

	CodeComposioUpstream ErrorCode = "COMPOSIO_UPSTREAM"
	CodeContextUpstream  ErrorCode = "CONTEXT_UPSTREAM"
	CodeStreamTimeout    ErrorCode = "STREAM_TIMEOUT"
	CodeFormatTimeout    ErrorCode = "FORMAT_TIMEOUT"

	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
	CodeUpstream      ErrorCode = "UPSTREAM"
)

type sentinelCode struct {
	err  error
	code ErrorCode
}

// sentinelCodes is searched in order, so specific sentinels come before
// the categories they may wrap.
var sentinelCodes = []sentinelCode{
	{ErrProviderNotFound, CodeProviderNotFound},
	{ErrToolNotFound, CodeToolNotFound},
	{ErrToolFailure, CodeToolFailure},
	{ErrToolArgs, CodeToolArgs},
	{ErrToolsCredential, CodeToolsCredential},
	{ErrEncryption, CodeEncryption},
	{ErrDecryption, CodeDecryption},
	{ErrThreadNotFound, CodeThreadNotFound},
	{ErrMessageNotFound, CodeMessageNotFound},
	{ErrThreadBusy, CodeThreadBusy},
	{ErrNotUserMessage, CodeNotUserMessage},
	{ErrUnknownContext, CodeUnknownContext},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrCircuitOpen, CodeCircuitOpen},

	{ErrNotFound, CodeNotFound},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderError, CodeProviderError},
	{ErrUpstream, CodeUpstream},
}

type subsystemKey struct {
	category  error
	subsystem string
}

var subsystemCodes = map[subsystemKey]ErrorCode{
	{ErrUpstream, "composio"}: CodeComposioUpstream,
	{ErrUpstream, "context"}:  CodeContextUpstream,
	{ErrTimeout, "chat"}:      CodeStreamTimeout,
	{ErrTimeout, "format"}:    CodeFormatTimeout,
}

// ErrorCodeOf returns the code of the first DomainError in err's chain
// that has one, else the code of the first matching sentinel.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}
	return sentinelCodeOf(err)
}

// Code returns the subsystem code when one applies, else the code of the
// wrapped sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		for key, code := range subsystemCodes {
			if key.subsystem == e.SubSystem && errors.Is(e.Err, key.category) {
				return code
			}
		}
	}
	return sentinelCodeOf(e.Err)
}

func sentinelCodeOf(err error) ErrorCode {
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return sc.code
		}
	}
	return CodeUnknown
}
