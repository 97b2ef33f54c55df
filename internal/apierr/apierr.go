// Package apierr defines the errors surfaced by the revision engine and their
// gRPC status mapping.
package apierr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/niczy/revbranch/internal/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NotFoundError reports a missing branch or object.
type NotFoundError struct {
	Kind string
	Key  string
}

func NewNotFound(kind, key string) *NotFoundError {
	return &NotFoundError{Kind: kind, Key: key}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Kind, e.Key)
}

func (e *NotFoundError) GRPCStatus() *status.Status {
	return status.New(codes.NotFound, e.Error())
}

// AlreadyExistsError reports a duplicate creation.
type AlreadyExistsError struct {
	Kind string
	Key  string
}

func NewAlreadyExists(kind, key string) *AlreadyExistsError {
	return &AlreadyExistsError{Kind: kind, Key: key}
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s '%s' already exists", e.Kind, e.Key)
}

func (e *AlreadyExistsError) GRPCStatus() *status.Status {
	return status.New(codes.AlreadyExists, e.Error())
}

// BadRequestError reports invalid input.
type BadRequestError struct {
	Message string
}

func NewBadRequest(format string, args ...any) *BadRequestError {
	return &BadRequestError{Message: fmt.Sprintf(format, args...)}
}

func (e *BadRequestError) Error() string { return e.Message }

func (e *BadRequestError) GRPCStatus() *status.Status {
	return status.New(codes.InvalidArgument, e.Message)
}

// RequestTimeoutError reports that a lock could not be acquired in time.
type RequestTimeoutError struct {
	Message string
}

func NewRequestTimeout(format string, args ...any) *RequestTimeoutError {
	return &RequestTimeoutError{Message: fmt.Sprintf(format, args...)}
}

func (e *RequestTimeoutError) Error() string { return e.Message }

func (e *RequestTimeoutError) GRPCStatus() *status.Status {
	return status.New(codes.DeadlineExceeded, e.Message)
}

// BranchMergeConflictError rejects a merge and carries every remaining conflict in detection order.
type BranchMergeConflictError struct {
	Conflicts []models.Conflict
}

func (e *BranchMergeConflictError) Error() string {
	msgs := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		msgs = append(msgs, c.Message())
	}
	return fmt.Sprintf("merge rejected with %d conflict(s): %s", len(e.Conflicts), strings.Join(msgs, "; "))
}

func (e *BranchMergeConflictError) GRPCStatus() *status.Status {
	return status.New(codes.Aborted, e.Error())
}

// IndexError wraps storage, serialization and hook failures.
type IndexError struct {
	Op  string
	Err error
}

func NewIndexError(op string, err error) *IndexError {
	return &IndexError{Op: op, Err: err}
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

func (e *IndexError) GRPCStatus() *status.Status {
	return status.New(codes.Internal, e.Error())
}

// WrapIndex wraps err in an IndexError unless it already is one of this package's errors.
func WrapIndex(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return NewIndexError(op, err)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsAlreadyExists(err error) bool {
	var target *AlreadyExistsError
	return errors.As(err, &target)
}

func IsBadRequest(err error) bool {
	var target *BadRequestError
	return errors.As(err, &target)
}

func IsRequestTimeout(err error) bool {
	var target *RequestTimeoutError
	return errors.As(err, &target)
}

// AsConflict extracts a merge conflict error.
func AsConflict(err error) (*BranchMergeConflictError, bool) {
	var target *BranchMergeConflictError
	ok := errors.As(err, &target)
	return target, ok
}
