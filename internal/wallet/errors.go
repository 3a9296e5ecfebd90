package wallet

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind classifies every failure the wallet layer can surface to a user.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindConnectionRejected
	KindConnectionTimeout
	KindUserRejected
	KindPairingRejected
	KindCapabilityMismatch
	KindWalletTimeout
	KindSessionExpired
	KindMalformedResponse
	KindBroadcastFailed
	KindInvalidIntent
	KindWalletError
)

var kindNames = map[Kind]string{
	KindUnknown:            "UnknownError",
	KindConfiguration:      "ConfigurationError",
	KindConnectionRejected: "ConnectionRejected",
	KindConnectionTimeout:  "ConnectionTimeout",
	KindUserRejected:       "UserRejected",
	KindPairingRejected:    "PairingRejected",
	KindCapabilityMismatch: "CapabilityMismatch",
	KindWalletTimeout:      "WalletTimeout",
	KindSessionExpired:     "SessionExpired",
	KindMalformedResponse:  "MalformedResponse",
	KindBroadcastFailed:    "BroadcastFailed",
	KindInvalidIntent:      "InvalidIntent",
	KindWalletError:        "WalletError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified wallet-layer failure. errors.Is matches any *Error of
// the same Kind, so callers test against the Err* sentinels.
type Error struct {
	Kind    Kind
	Message string
	// Code is the wallet RPC error code when one was reported.
	Code  int
	Cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrConnectionRejected = &Error{Kind: KindConnectionRejected}
	ErrConnectionTimeout  = &Error{Kind: KindConnectionTimeout}
	ErrUserRejected       = &Error{Kind: KindUserRejected}
	ErrPairingRejected    = &Error{Kind: KindPairingRejected}
	ErrCapabilityMismatch = &Error{Kind: KindCapabilityMismatch}
	ErrWalletTimeout      = &Error{Kind: KindWalletTimeout}
	ErrSessionExpired     = &Error{Kind: KindSessionExpired}
	ErrMalformedResponse  = &Error{Kind: KindMalformedResponse}
	ErrBroadcastFailed    = &Error{Kind: KindBroadcastFailed}
	ErrInvalidIntent      = &Error{Kind: KindInvalidIntent}
	ErrWalletError        = &Error{Kind: KindWalletError}
)

// NewError builds a classified error.
func NewError(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies cause under kind.
func WrapError(kind Kind, cause error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTimeout reports whether err is a deadline expiry, classified or not.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindWalletTimeout, KindConnectionTimeout:
		return true
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

// Wallet RPC codes that mean the user said no.
const (
	CodeUserRejected     = 4001
	CodeSessionRejected  = 5000
	CodeSatsUserRejected = -32000
)

// ClassifyRPCError turns a wallet-reported JSON-RPC error into a classified one.
func ClassifyRPCError(code int, message string) error {
	lower := strings.ToLower(message)
	switch {
	case code == CodeUserRejected, code == CodeSessionRejected, code == CodeSatsUserRejected,
		strings.Contains(lower, "reject"), strings.Contains(lower, "cancel"), strings.Contains(lower, "denied"):
		return &Error{Kind: KindUserRejected, Message: "user rejected the request", Code: code, Cause: rpcCause(code, message)}
	default:
		return &Error{Kind: KindWalletError, Message: "wallet returned an error", Code: code, Cause: rpcCause(code, message)}
	}
}

func rpcCause(code int, message string) error {
	if message == "" {
		message = "no message"
	}
	return fmt.Errorf("rpc error %d: %s", code, message)
}

var userMessages = map[Kind]string{
	KindConfiguration:      "Wallet connection is not configured. Please contact support.",
	KindConnectionRejected: "You declined the connection request in your wallet.",
	KindConnectionTimeout:  "Your wallet did not answer the connection request. Please try connecting again.",
	KindUserRejected:       "You rejected the request in your wallet.",
	KindPairingRejected:    "The wallet refused the pairing request.",
	KindCapabilityMismatch: "Your connected wallet does not support this action. Try another wallet.",
	KindWalletTimeout:      "Your wallet did not respond in time. Please try again.",
	KindSessionExpired:     "Your wallet session has expired. Please reconnect your wallet.",
	KindMalformedResponse:  "Your wallet sent a response we could not read. Check your wallet activity before retrying.",
	KindBroadcastFailed:    "The network rejected the transaction.",
	KindInvalidIntent:      "This transaction request is invalid.",
	KindWalletError:        "Your wallet reported an error.",
}

// UserMessage is the human-readable text for err. Every Kind has its own text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	kind := KindOf(err)
	msg, ok := userMessages[kind]
	if !ok {
		return "Something went wrong. Please try again."
	}
	if kind == KindBroadcastFailed {
		var e *Error
		if stderrors.As(err, &e) && e.Cause != nil {
			return msg + " " + e.Cause.Error()
		}
	}
	return msg
}
