package tenants

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flarebyte/tenant-lifecycle/internal/archive"
	"github.com/flarebyte/tenant-lifecycle/internal/lifecycle"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
)

// errInvalid marks malformed requests.
var errInvalid = errors.New("invalid argument")

// classify maps lifecycle errors onto gRPC codes.
func classify(err error) codes.Code {
	var (
		fe  *archive.FormatError
		ve  *lifecycle.ValidationError
		sve *lifecycle.SchemaVersionError
		rie *lifecycle.ReferentialIntegrityError
		ce  *lifecycle.ConflictError
	)
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, errInvalid), errors.As(err, &fe), errors.Is(err, lifecycle.ErrSameTenant):
		return codes.InvalidArgument
	case errors.As(err, &ve), errors.As(err, &sve), errors.As(err, &rie):
		return codes.FailedPrecondition
	case errors.As(err, &ce):
		return codes.Aborted
	case errors.Is(err, store.ErrTenantNotFound):
		return codes.NotFound
	case errors.Is(err, store.ErrAccessDenied):
		return codes.PermissionDenied
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(classify(err), err.Error())
}

// connectCodes follows the Connect protocol code names and HTTP statuses.
var connectCodes = map[codes.Code]struct {
	name string
	http int
}{
	codes.InvalidArgument:    {"invalid_argument", 400},
	codes.FailedPrecondition: {"failed_precondition", 400},
	codes.Aborted:            {"aborted", 409},
	codes.NotFound:           {"not_found", 404},
	codes.PermissionDenied:   {"permission_denied", 403},
	codes.Canceled:           {"canceled", 499},
	codes.DeadlineExceeded:   {"deadline_exceeded", 504},
	codes.Unimplemented:      {"unimplemented", 404},
	codes.Internal:           {"internal", 500},
}

func connectCode(c codes.Code) (string, int) {
	if v, ok := connectCodes[c]; ok {
		return v.name, v.http
	}
	return "internal", 500
}

// detail describes a non-fatal error attached to a report.
func detail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	name, _ := connectCode(classify(err))
	return &ErrorDetail{Code: name, Message: err.Error()}
}
