package storage

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

var (
	ErrAlreadyExists      = errors.New("object already exists")
	ErrPreconditionFailed = errors.New("object version precondition failed")
	ErrNotFound           = errors.New("object not found")
	ErrSerialization      = errors.New("object serialization failed")
	ErrInvalidKey         = errors.New("invalid object key")

	ErrConditionalDeleteUnsupported = errors.New("conditional delete is not supported by the transport")

	ErrCursorExhausted            = errors.New("listing cursor exhausted")
	ErrDuplicateContinuationToken = errors.New("duplicate continuation token")
)

// TransportError reports a service or network failure that is not one of the
// conditional outcomes. The underlying SDK error is kept intact.
type TransportError struct {
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

type failure int

const (
	failureNone failure = iota
	failureNotFound
	failurePrecondition
	failureConflict
)

// classifyS3Error maps an SDK error onto the conditional outcomes. Error codes
// win over status codes so that e.g. NoSuchBucket (also a 404) stays a
// transport error.
func classifyS3Error(err error) failure {
	if err == nil {
		return failureNone
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return failureNotFound
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return failureNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() != "" {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return failureNotFound
		case "PreconditionFailed":
			return failurePrecondition
		case "ConditionalRequestConflict":
			return failureConflict
		default:
			return failureNone
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return failureNotFound
		case http.StatusPreconditionFailed:
			return failurePrecondition
		case http.StatusConflict:
			return failureConflict
		}
	}
	return failureNone
}

// mapS3Error turns an SDK error into the package taxonomy. onPrecondition is the
// sentinel reported when the service rejects the request's precondition.
func mapS3Error(op, key string, err error, onPrecondition error) error {
	switch classifyS3Error(err) {
	case failureNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	case failurePrecondition, failureConflict:
		return fmt.Errorf("%w: %s", onPrecondition, key)
	default:
		return &TransportError{Op: op, Key: key, Err: err}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrConditionalDeleteUnsupported):
		return "unsupported"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	default:
		return "error"
	}
}
