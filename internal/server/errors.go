package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	batchdomain "github.com/smallbiznis/settlement/internal/batch/domain"
	catalogdomain "github.com/smallbiznis/settlement/internal/catalog/domain"
	feedomain "github.com/smallbiznis/settlement/internal/fee/domain"
	onrampdomain "github.com/smallbiznis/settlement/internal/onramp/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	splitdomain "github.com/smallbiznis/settlement/internal/split/domain"
	tierdomain "github.com/smallbiznis/settlement/internal/tier/domain"
	treasurydomain "github.com/smallbiznis/settlement/internal/treasury/domain"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, paymentdomain.ErrMissingSecret),
		errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, treasurydomain.ErrBalanceUnknown):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog mirrors mapError for the request log.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return payload.Type, "internal"
	}
	if vErr := asValidationErrors(err); vErr != nil && len(vErr.Errors) > 0 {
		return payload.Type, vErr.Errors[0].Code
	}
	return payload.Type, err.Error()
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidProvider),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, purchasedomain.ErrMissingWallet),
		errors.Is(err, purchasedomain.ErrInvalidAmount),
		errors.Is(err, purchasedomain.ErrInvalidItem),
		errors.Is(err, batchdomain.ErrEmptyBatch),
		errors.Is(err, batchdomain.ErrInvalidItem),
		errors.Is(err, tierdomain.ErrInvalidCreator),
		errors.Is(err, tierdomain.ErrInvalidAmount),
		errors.Is(err, onrampdomain.ErrInvalidTarget),
		errors.Is(err, catalogdomain.ErrInvalidItemRef),
		errors.Is(err, pagination.ErrInvalidPageToken):
		return true
	case isFeeValidationError(err),
		isSplitValidationError(err):
		return true
	default:
		return false
	}
}

func isFeeValidationError(err error) bool {
	switch {
	case errors.Is(err, feedomain.ErrInvalidPrice),
		errors.Is(err, feedomain.ErrInvalidFeeRate),
		errors.Is(err, feedomain.ErrInvalidGasFee),
		errors.Is(err, feedomain.ErrNegativePool),
		errors.Is(err, feedomain.ErrInvalidFeeMode),
		errors.Is(err, feedomain.ErrInvalidProcessFee):
		return true
	default:
		return false
	}
}

func isSplitValidationError(err error) bool {
	switch {
	case errors.Is(err, splitdomain.ErrInvalidMode),
		errors.Is(err, splitdomain.ErrNegativePool),
		errors.Is(err, splitdomain.ErrInvalidRate),
		errors.Is(err, splitdomain.ErrInvalidPercentage),
		errors.Is(err, splitdomain.ErrPercentageOverflow),
		errors.Is(err, splitdomain.ErrMissingWallet),
		errors.Is(err, splitdomain.ErrNoCollaborators),
		errors.Is(err, splitdomain.ErrDuplicateRecipient):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, purchasedomain.ErrInvalidTransition),
		errors.Is(err, purchasedomain.ErrNotSettleable),
		errors.Is(err, purchasedomain.ErrLocked),
		errors.Is(err, purchasedomain.ErrSettlementLost),
		errors.Is(err, purchasedomain.ErrInProgress),
		errors.Is(err, batchdomain.ErrInvalidTransition),
		errors.Is(err, batchdomain.ErrNotProcessable),
		errors.Is(err, batchdomain.ErrLocked),
		errors.Is(err, batchdomain.ErrItemsInProgress),
		errors.Is(err, onrampdomain.ErrLocked),
		errors.Is(err, onrampdomain.ErrNotPayable),
		errors.Is(err, tierdomain.ErrSlotsExhausted):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	for _, known := range []error{
		purchasedomain.ErrNotSettleable,
		purchasedomain.ErrInProgress,
		purchasedomain.ErrLocked,
		batchdomain.ErrNotProcessable,
		batchdomain.ErrLocked,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "conflict"
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, purchasedomain.ErrNotFound),
		errors.Is(err, batchdomain.ErrNotFound),
		errors.Is(err, onrampdomain.ErrTransferNotFound),
		errors.Is(err, catalogdomain.ErrItemNotFound),
		errors.Is(err, catalogdomain.ErrOwnerNotFound),
		errors.Is(err, treasurydomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
