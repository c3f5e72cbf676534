// Package apperr defines the error kinds surfaced by the acquisition core and
// their mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for callers that need to decide whether to retry,
// switch backend or give up.
type Kind string

const (
	InvalidIdentifier  Kind = "InvalidIdentifier"
	AcquisitionTimeout Kind = "AcquisitionTimeout"
	NotFound           Kind = "NotFound"
	NetworkUnreachable Kind = "NetworkUnreachable"
	AuthInvalid        Kind = "AuthInvalid"
	RateLimited        Kind = "RateLimited"
	PremiumRequired    Kind = "PremiumRequired"
	NoSeeders          Kind = "NoSeeders"
	ServiceUnreachable Kind = "ServiceUnreachable"
	MalformedResponse  Kind = "MalformedResponse"
	Internal           Kind = "Internal"
)

// Sentinels for errors.Is comparisons. Matching is by kind only.
var (
	ErrInvalidIdentifier  = &Error{Kind: InvalidIdentifier}
	ErrAcquisitionTimeout = &Error{Kind: AcquisitionTimeout}
	ErrNotFound           = &Error{Kind: NotFound}
	ErrNetworkUnreachable = &Error{Kind: NetworkUnreachable}
	ErrAuthInvalid        = &Error{Kind: AuthInvalid}
	ErrRateLimited        = &Error{Kind: RateLimited}
	ErrPremiumRequired    = &Error{Kind: PremiumRequired}
	ErrNoSeeders          = &Error{Kind: NoSeeders}
	ErrServiceUnreachable = &Error{Kind: ServiceUnreachable}
	ErrMalformedResponse  = &Error{Kind: MalformedResponse}
	ErrInternal           = &Error{Kind: Internal}
)

// Error carries a Kind plus enough context (hash, file index, backend) for
// the caller to log it and decide what to do next.
type Error struct {
	Kind    Kind
	Op      string
	Msg     string
	Hash    string
	File    int // -1 when not file specific
	Backend string
	Err     error
}

// New returns an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), File: -1}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err, File: -1}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err == nil:
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}

	var ctx []string
	if e.Backend != "" {
		ctx = append(ctx, "backend="+e.Backend)
	}
	if e.Hash != "" {
		ctx = append(ctx, "hash="+TruncHash(e.Hash))
	}
	if e.File >= 0 && e.Hash != "" {
		ctx = append(ctx, fmt.Sprintf("file=%d", e.File))
	}
	if len(ctx) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString("]")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that errors.Is(err, apperr.ErrNotFound) works
// for any NotFound error regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithOp sets the operation name.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithHash sets the torrent hash context.
func (e *Error) WithHash(hash string) *Error {
	e.Hash = hash
	return e
}

// WithFile sets the file index context.
func (e *Error) WithFile(index int) *Error {
	e.File = index
	return e
}

// WithBackend sets the backend kind context.
func (e *Error) WithBackend(kind string) *Error {
	e.Backend = kind
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind onto a response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidIdentifier:
		return http.StatusBadRequest
	case AcquisitionTimeout:
		return http.StatusGatewayTimeout
	case NotFound:
		return http.StatusNotFound
	case NetworkUnreachable, MalformedResponse:
		return http.StatusBadGateway
	case AuthInvalid:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case PremiumRequired:
		return http.StatusForbidden
	case NoSeeders:
		return http.StatusConflict
	case ServiceUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the structured error payload returned to HTTP clients.
type Body struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind"`
}

// BodyOf builds the response payload for err.
func BodyOf(err error) Body {
	return Body{Error: err.Error(), Kind: KindOf(err)}
}

// TruncHash shortens an info hash for log lines and messages.
func TruncHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
