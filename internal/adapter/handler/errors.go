package handler

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
)

// errorKind names a domain failure the same way on every transport.
type errorKind struct {
	code       string
	httpStatus int
	grpcCode   codes.Code
}

var (
	kindNotFound          = errorKind{"NOT_FOUND", http.StatusNotFound, codes.NotFound}
	kindInsufficientStock = errorKind{"INSUFFICIENT_STOCK", http.StatusConflict, codes.FailedPrecondition}
	kindInvalidTransition = errorKind{"INVALID_TRANSITION", http.StatusConflict, codes.FailedPrecondition}
	kindDuplicateStatus   = errorKind{"DUPLICATE_STATUS", http.StatusConflict, codes.FailedPrecondition}
	kindDuplicateRequest  = errorKind{"DUPLICATE_REQUEST", http.StatusConflict, codes.AlreadyExists}
	kindValidation        = errorKind{"VALIDATION_ERROR", http.StatusBadRequest, codes.InvalidArgument}
	kindInternal          = errorKind{"INTERNAL", http.StatusInternalServerError, codes.Internal}
)

func classifyError(err error) errorKind {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return kindNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		return kindInsufficientStock
	case errors.Is(err, domain.ErrInvalidTransition):
		return kindInvalidTransition
	case errors.Is(err, domain.ErrDuplicateStatus):
		return kindDuplicateStatus
	case errors.Is(err, domain.ErrDuplicateRequest):
		return kindDuplicateRequest
	case errors.Is(err, domain.ErrValidation):
		return kindValidation
	default:
		return kindInternal
	}
}

// publicMessage hides internal error text from clients.
func publicMessage(kind errorKind, err error) string {
	if kind == kindInternal {
		return "internal error"
	}
	return err.Error()
}
