package diskquota

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies a QuotaError the way callers are expected to
// branch on it.
type ErrorKind int

const (
	KindStoreClosed ErrorKind = iota
	KindNoSuchTileSet
	KindNoSuchLayer
	KindInterrupted
	KindStorageFailure
	KindInvariant
	KindStoreNotInitialized
)

// QuotaError is the structured error Store operations return for the
// failure kinds above. Input-validation failures, and the errors of Open
// and Close, are plain errors rather than QuotaErrors.
type QuotaError struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	Cause   error
}

func (e *QuotaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *QuotaError) Unwrap() error {
	return e.Cause
}

// GRPCStatus lets a QuotaError satisfy the interface grpc's
// status.FromError looks for, classifying it without starting a gRPC
// service of our own.
func (e *QuotaError) GRPCStatus() *status.Status {
	return status.New(e.grpcCode(), e.Error())
}

func (e *QuotaError) grpcCode() codes.Code {
	switch e.Kind {
	case KindStoreClosed:
		return codes.Unavailable
	case KindNoSuchTileSet, KindNoSuchLayer:
		return codes.NotFound
	case KindInterrupted:
		return codes.Canceled
	case KindStorageFailure:
		return codes.Internal
	case KindInvariant:
		return codes.Internal
	case KindStoreNotInitialized:
		return codes.FailedPrecondition
	default:
		return codes.Unknown
	}
}

func newQuotaError(kind ErrorKind, message string, cause error) *QuotaError {
	return &QuotaError{Kind: kind, Message: message, Details: make(map[string]any), Cause: cause}
}

func (e *QuotaError) withDetail(key string, value any) *QuotaError {
	e.Details[key] = value
	return e
}

func errStoreClosed() *QuotaError {
	return newQuotaError(KindStoreClosed, "quota store is closed", nil)
}

func errNoSuchTileSet(id string) *QuotaError {
	return newQuotaError(KindNoSuchTileSet, fmt.Sprintf("no such tile set: %s", id), nil).withDetail("tile_set_id", id)
}

func errNoSuchLayer(name string) *QuotaError {
	return newQuotaError(KindNoSuchLayer, fmt.Sprintf("no such layer: %s", name), nil).withDetail("layer", name)
}

func errInterrupted(cause error) *QuotaError {
	return newQuotaError(KindInterrupted, "wait interrupted", cause)
}

func errStorageFailure(message string, cause error) *QuotaError {
	return newQuotaError(KindStorageFailure, message, cause)
}

func errInvariant(message string) *QuotaError {
	return newQuotaError(KindInvariant, message, nil)
}

func errStoreNotInitialized() *QuotaError {
	return newQuotaError(KindStoreNotInitialized, "global quota row is missing", nil)
}

// IsNoSuchTileSet reports whether err is (or wraps) a NoSuchTileSet
// QuotaError.
func IsNoSuchTileSet(err error) bool {
	return kindOf(err) == KindNoSuchTileSet
}

// IsNoSuchLayer reports whether err is (or wraps) a NoSuchLayer
// QuotaError.
func IsNoSuchLayer(err error) bool {
	return kindOf(err) == KindNoSuchLayer
}

func kindOf(err error) ErrorKind {
	var qe *QuotaError
	if !errors.As(err, &qe) {
		return -1
	}
	return qe.Kind
}
