// package apierr provides functionality for handling errors in our API.
// This includes both creating middleware for this, as well as terminating
// requests in a way that ensure a smooth user experience.

package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/go-playground/validator.v8"

	"github.com/stablegate/stablegate/internal/httptypes"
)

// Kind buckets an apiError into one of the error kinds named in our error
// handling design: Validation, Conflict, TransientInfrastructure,
// PermanentExternal, InvariantViolation.
type Kind string

const (
	KindValidation             Kind = "VALIDATION"
	KindConflict               Kind = "CONFLICT"
	KindTransientInfrastructure Kind = "TRANSIENT_INFRASTRUCTURE"
	KindPermanentExternal      Kind = "PERMANENT_EXTERNAL"
	KindInvariantViolation     Kind = "INVARIANT_VIOLATION"
	KindNotFound               Kind = "NOT_FOUND"
	KindUnauthenticated        Kind = "UNAUTHENTICATED"
)

// apiError is a type we can pass in to the Public method of this package.
// It ensures we're both giving a unique error code and a meaningful error
// message.
type apiError struct {
	err  error
	code string
	kind Kind
}

func (a apiError) Error() string {
	return pkgerrors.Wrap(a.err, a.code).Error()
}

func (a apiError) Is(err error) bool {
	if stdErr, ok := err.(httptypes.StandardErrorResponse); ok {
		return stdErr.ErrorField.Code == a.code
	}
	return a.err.Error() == err.Error()
}

// Kind reports which error-handling-design bucket this error belongs to.
func (a apiError) Kind() Kind {
	return a.kind
}

// HTTPStatus maps an apiError's kind onto the HTTP status code the API
// boundary should respond with.
func (a apiError) HTTPStatus() int {
	switch a.kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindTransientInfrastructure:
		return http.StatusServiceUnavailable
	case KindPermanentExternal:
		return http.StatusBadGateway
	case KindInvariantViolation:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

var (
	// ErrInvalidJson means we got sent invalid JSON
	ErrInvalidJson = apiError{
		err:  errors.New("invalid JSON"),
		code: "ERR_INVALID_JSON",
		kind: KindValidation,
	}

	// ErrUnknownError means we don't know exactly what went wrong
	ErrUnknownError = apiError{
		err:  errors.New("unknown error"),
		code: "ERR_UNKNOWN_ERROR",
		kind: KindInvariantViolation,
	}

	// ErrRouteNotFound means the requested HTTP route wasn't found
	ErrRouteNotFound = apiError{
		err:  errors.New("route not found"),
		code: "ERR_ROUTE_NOT_FOUND",
		kind: KindNotFound,
	}

	// ErrMissingAuthHeader means the HTTP request had an empty auth header
	ErrMissingAuthHeader = apiError{
		err:  errors.New("missing authentication header"),
		code: "ERR_MISSING_AUTH_HEADER",
		kind: KindUnauthenticated,
	}

	// ErrMalformedApiKey means the Authorization header wasn't of the
	// shape "ApiKey <key>"
	ErrMalformedApiKey = apiError{
		err:  errors.New("malformed API key"),
		code: "ERR_MALFORMED_API_KEY",
		kind: KindUnauthenticated,
	}

	// ErrApiKeyNotFound means no active merchant matches the given key
	ErrApiKeyNotFound = apiError{
		err:  errors.New("API key not found"),
		code: "ERR_API_KEY_NOT_FOUND",
		kind: KindUnauthenticated,
	}

	ErrRequestValidationFailed = apiError{
		err:  errors.New("request validation failed"),
		code: "ERR_REQUEST_VALIDATION_FAILED",
		kind: KindValidation,
	}

	// ErrInvoiceNotFound means the requested invoice id doesn't exist, or
	// doesn't belong to the authenticated merchant
	ErrInvoiceNotFound = apiError{
		err:  errors.New("invoice not found"),
		code: "ERR_INVOICE_NOT_FOUND",
		kind: KindNotFound,
	}

	// ErrIntentNotFound means the requested payment intent id doesn't exist
	ErrIntentNotFound = apiError{
		err:  errors.New("payment intent not found"),
		code: "ERR_INTENT_NOT_FOUND",
		kind: KindNotFound,
	}

	// ErrInvoiceTerminal means an operation was attempted against an
	// invoice that has already reached a terminal state
	ErrInvoiceTerminal = apiError{
		err:  errors.New("invoice has already reached a terminal state"),
		code: "ERR_INVOICE_TERMINAL",
		kind: KindConflict,
	}

	// ErrMerchantOrderIdAlreadyUsed means this merchant already has an
	// invoice with the given merchant-order id
	ErrMerchantOrderIdAlreadyUsed = apiError{
		err:  errors.New("merchant order id already used"),
		code: "ERR_MERCHANT_ORDER_ID_ALREADY_USED",
		kind: KindConflict,
	}

	// ErrIdempotencyKeyReused means the same Idempotency-Key was used
	// with a different request body
	ErrIdempotencyKeyReused = apiError{
		err:  errors.New("idempotency key reused with a different request body"),
		code: "ERR_IDEMPOTENCY_KEY_REUSED",
		kind: KindConflict,
	}

	// ErrMissingIdempotencyKey means a request that requires one didn't
	// carry an Idempotency-Key header
	ErrMissingIdempotencyKey = apiError{
		err:  errors.New("missing required Idempotency-Key header"),
		code: "ERR_MISSING_IDEMPOTENCY_KEY",
		kind: KindValidation,
	}

	// ErrUnsupportedOption means the requested (token, chain) pair isn't
	// one of the invoice's allowed options
	ErrUnsupportedOption = apiError{
		err:  errors.New("token/chain pair is not an allowed option for this invoice"),
		code: "ERR_UNSUPPORTED_OPTION",
		kind: KindValidation,
	}

	// ErrDatabaseUnavailable wraps a transient infrastructure failure
	// talking to Postgres
	ErrDatabaseUnavailable = apiError{
		err:  errors.New("database temporarily unavailable"),
		code: "ERR_DATABASE_UNAVAILABLE",
		kind: KindTransientInfrastructure,
	}

	// ErrProviderUnavailable wraps a transient infrastructure failure
	// talking to the blockchain provider
	ErrProviderUnavailable = apiError{
		err:  errors.New("blockchain provider temporarily unavailable"),
		code: "ERR_PROVIDER_UNAVAILABLE",
		kind: KindTransientInfrastructure,
	}
)

// NewValidationError builds an apiError of kind Validation with a caller
// supplied message and code, for request-shape errors not covered by a
// named sentinel above.
func NewValidationError(message string, code string) error {
	return apiError{err: errors.New(message), code: code, kind: KindValidation}
}

// decapitalize makes the first element of a string lowercase
func decapitalize(str string) string {
	if str == "" {
		return ""
	}
	var decapitalized string
	for index, c := range str {
		if index == 0 {
			decapitalized = string(unicode.ToLower(c))
			continue
		}
		decapitalized = decapitalized + string(c)
	}
	return decapitalized

}

// GetMiddleware returns a Gin middleware that handles errors
func GetMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {

		// let previous handlers run
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// default to 500 if no status has been set
		httpCode := http.StatusInternalServerError
		if c.Writer.Status() != http.StatusOK {
			httpCode = -1
		}

		fieldErrors := handleValidationErrors(c, log)
		response := &httptypes.StandardErrorResponse{
			ErrorField: httptypes.StandardError{
				Fields: fieldErrors,
			},
		}

		// Check for JSON parsing errors
		for _, err := range c.Errors {
			var syntaxErr *json.SyntaxError
			if errors.Is(err.Err, io.EOF) || errors.As(err.Err, &syntaxErr) {
				response.ErrorField.Code = ErrInvalidJson.code
				response.ErrorField.Message = ErrInvalidJson.err.Error()
				c.JSON(ErrInvalidJson.HTTPStatus(), response)
				return
			}
		}

		// public errors are errors that can be shown to the end user
		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			// we only take the last one
			err := publicErrors.Last()
			if apiErr, ok := err.Err.(apiError); ok {
				response.ErrorField.Code = apiErr.code
				response.ErrorField.Message = apiErr.err.Error()
				if httpCode == -1 {
					httpCode = c.Writer.Status()
				} else {
					httpCode = apiErr.HTTPStatus()
				}
			} else {
				log.WithError(err).Warn("Got public error in error handler that was not apiError type")
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		if response.ErrorField.Code == "" {
			if len(fieldErrors) > 0 {
				response.ErrorField.Code = ErrRequestValidationFailed.code
				response.ErrorField.Message = ErrRequestValidationFailed.err.Error()
				httpCode = ErrRequestValidationFailed.HTTPStatus()
			} else {
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		c.JSON(httpCode, response)
	}
}

// Public fails the given Gin request with the given error. It sets the error
// type as public, causing it to later be returned to the end user with a
// fitting error message.
func Public(c *gin.Context, code int, err apiError) {
	cErr := c.AbortWithError(code, err)
	_ = cErr.SetType(gin.ErrorTypePublic)
}

// PublicErr fails the request using the apiError's own kind-derived HTTP
// status, so callers don't have to look up the status themselves.
func PublicErr(c *gin.Context, err apiError) {
	Public(c, err.HTTPStatus(), err)
}

const UnknownValidationTag = "unknown"

func handleValidationErrors(c *gin.Context, log *logrus.Logger) []httptypes.FieldError {
	// initialize to empty list instead of pointer, to make sure the empty list
	// is returned instead of nil
	fieldErrors := []httptypes.FieldError{}
	for _, err := range c.Errors.ByType(gin.ErrorTypeBind) {
		// not all errors encountered in validation is a nice validator.ValidationErrors type
		// if you request an int in a form for example, parsing of that int will fail before
		// proper validation happens, and we're left with this ugly error type.
		// see these GitHub issues:  https://github.com/gin-gonic/gin/issues/1093
		//							 https://github.com/gin-gonic/gin/issues/1907
		if numError, ok := err.Err.(*strconv.NumError); ok {
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				// don't know how to find out which field failed here...
				Field:   "unknown",
				Message: fmt.Sprintf("%q is not a valid number, %q failed", numError.Num, numError.Func),
				Code:    "invalid-number",
			})
			continue
		}

		validationErrors, ok := err.Err.(validator.ValidationErrors)
		if !ok {
			continue
		}
		for _, validationErr := range validationErrors {
			// When doing field validation, it's not possible to get the name of
			// the JSON/Query field we're validating, only the field of the struct.
			// The assumption here is that all struct fields are named the same
			// as corresponding form/JSON fields, except for the first letter.
			field := decapitalize(validationErr.Field)
			var message string
			var code string
			switch validationErr.Tag {
			case "required":
				message = fmt.Sprintf("%q is required", field)
				code = "required"
			case "evmaddress":
				message = fmt.Sprintf("%q field does not contain a valid EVM address", field)
				code = "evmaddress"
			case "txhash":
				message = fmt.Sprintf("%q field does not contain a valid transaction hash", field)
				code = "txhash"
			case "url":
				message = fmt.Sprintf("%q field is not a valid URL", field)
				code = "url"
			case "gte":
				message = fmt.Sprintf("%q field must be greater than or equal %s. Got: %s",
					field, validationErr.Param, validationErr.Value)
				code = "gte"
			case "lte":
				message = fmt.Sprintf("%q field must be less than or equal %s. Got: %s",
					field, validationErr.Param, validationErr.Value)
				code = "lte"
			case "gt":
				message = fmt.Sprintf("%q field must be greater than %s. Got: %s",
					field, validationErr.Param, validationErr.Value)
				code = "gt"
			case "max":
				message = fmt.Sprintf("%q cannot be longer than %s characters", field, validationErr.Param)
				code = "max"
			default:
				log.WithField("tag", validationErr.Tag).Warn("Encountered unknown validation field")
				message = fmt.Sprintf("%s is invalid", field)
				code = UnknownValidationTag
			}
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   field,
				Message: message,
				Code:    code,
			})
		}
	}
	return fieldErrors
}
