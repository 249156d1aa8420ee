// Package apperr defines the structured error taxonomy shared by every
// kbchat component. Each error carries a stable numeric code and a
// human-readable message so transports can render it without string matching.
//
// Callers test for a kind with errors.Is against the exported sentinels:
//
//	if errors.Is(err, apperr.ErrConversationNotFound) { ... }
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindForbidden
	KindInvalidArgument
	KindKnowledgeNotFound
	KindKnowledgeUnauthorized
	KindKnowledgeNotShared
	KindKnowledgeAlreadyJoined
	KindKnowledgeOwned
	KindKnowledgeNotJoined
	KindFileNotFound
	KindUnsupportedFormat
	KindEmptyContent
	KindExtractionFailed
	KindIngestionFailed
	KindCollectionNotFound
	KindConversationNotFound
	KindMessageNotFound
)

// kindInfo holds the stable wire representation of a Kind.
type kindInfo struct {
	// name is the symbolic name used in logs.
	name string
	// code is the numeric code returned to clients.
	code int
	// status is the HTTP status the transport maps this kind to.
	status int
	// message is the default human-readable message.
	message string
}

var kinds = map[Kind]kindInfo{
	KindUnknown:                {"Unknown", 10000, http.StatusInternalServerError, "unknown error"},
	KindUnauthorized:           {"Unauthorized", 10001, http.StatusForbidden, "unauthorized or session expired"},
	KindForbidden:              {"Forbidden", 10002, http.StatusForbidden, "access denied"},
	KindInvalidArgument:        {"InvalidArgument", 10003, http.StatusBadRequest, "invalid argument"},
	KindKnowledgeNotFound:      {"KnowledgeNotFound", 30001, http.StatusNotFound, "knowledge base not found"},
	KindKnowledgeUnauthorized:  {"KnowledgeUnauthorized", 30002, http.StatusForbidden, "no access to this knowledge base"},
	KindKnowledgeNotShared:     {"KnowledgeNotShared", 30003, http.StatusBadRequest, "knowledge base is not shared"},
	KindKnowledgeAlreadyJoined: {"KnowledgeAlreadyJoined", 30004, http.StatusConflict, "already a member of this knowledge base"},
	KindKnowledgeOwned:         {"KnowledgeOwned", 30005, http.StatusBadRequest, "the owner cannot leave their own knowledge base"},
	KindKnowledgeNotJoined:     {"KnowledgeNotJoined", 30006, http.StatusBadRequest, "not a member of this knowledge base"},
	KindFileNotFound:           {"FileNotFound", 40001, http.StatusNotFound, "file not found"},
	KindUnsupportedFormat:      {"UnsupportedFormat", 40002, http.StatusUnsupportedMediaType, "unsupported file format"},
	KindEmptyContent:           {"EmptyContent", 40003, http.StatusUnprocessableEntity, "document has no extractable content"},
	KindExtractionFailed:       {"ExtractionFailed", 40004, http.StatusUnprocessableEntity, "text extraction failed"},
	KindIngestionFailed:        {"IngestionFailed", 40005, http.StatusBadGateway, "document ingestion failed"},
	KindCollectionNotFound:     {"CollectionNotFound", 40006, http.StatusNotFound, "vector collection not found"},
	KindConversationNotFound:   {"ConversationNotFound", 50001, http.StatusNotFound, "conversation not found"},
	KindMessageNotFound:        {"MessageNotFound", 50002, http.StatusNotFound, "message not found"},
}

// String returns the symbolic name of k.
func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Code returns the stable numeric code for k.
func (k Kind) Code() int {
	if info, ok := kinds[k]; ok {
		return info.code
	}
	return kinds[KindUnknown].code
}

// HTTPStatus returns the HTTP status code a transport should use for k.
func (k Kind) HTTPStatus() int {
	if info, ok := kinds[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Error is a classified failure with an optional underlying cause.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Message is the client-facing description. Defaults to the kind's message.
	Message string
	// Err is the wrapped cause, if any. It is never shown to clients.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = kinds[e.Kind].message
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind. This lets the
// package-level sentinels match any error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Code returns the numeric code of the error's kind.
func (e *Error) Code() int { return e.Kind.Code() }

// PublicMessage returns the message safe to show to clients (no cause).
func (e *Error) PublicMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return kinds[e.Kind].message
}

// Sentinels for errors.Is matching.
var (
	ErrUnknown                = &Error{Kind: KindUnknown}
	ErrUnauthorized           = &Error{Kind: KindUnauthorized}
	ErrForbidden              = &Error{Kind: KindForbidden}
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument}
	ErrKnowledgeNotFound      = &Error{Kind: KindKnowledgeNotFound}
	ErrKnowledgeUnauthorized  = &Error{Kind: KindKnowledgeUnauthorized}
	ErrKnowledgeNotShared     = &Error{Kind: KindKnowledgeNotShared}
	ErrKnowledgeAlreadyJoined = &Error{Kind: KindKnowledgeAlreadyJoined}
	ErrKnowledgeOwned         = &Error{Kind: KindKnowledgeOwned}
	ErrKnowledgeNotJoined     = &Error{Kind: KindKnowledgeNotJoined}
	ErrFileNotFound           = &Error{Kind: KindFileNotFound}
	ErrUnsupportedFormat      = &Error{Kind: KindUnsupportedFormat}
	ErrEmptyContent           = &Error{Kind: KindEmptyContent}
	ErrExtractionFailed       = &Error{Kind: KindExtractionFailed}
	ErrIngestionFailed        = &Error{Kind: KindIngestionFailed}
	ErrCollectionNotFound     = &Error{Kind: KindCollectionNotFound}
	ErrConversationNotFound   = &Error{Kind: KindConversationNotFound}
	ErrMessageNotFound        = &Error{Kind: KindMessageNotFound}
)

// New returns an *Error of the given kind with a formatted message.
// An empty format uses the kind's default message.
func New(kind Kind, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies err as kind. A nil err yields nil. If err is already an
// *Error it is returned unchanged so the innermost classification wins.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// From returns err as an *Error, classifying unknown errors as KindUnknown.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindUnknown, Err: err}
}
