package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/commandmesh/platform/pkg/logger"
	"go.uber.org/zap"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidationKey is the context key for validation struct
type validationContextKey string

// ValidationKey is the key for storing validation struct in context
const ValidationKey validationContextKey = "validation"

// ValidatedKey is the key for storing validated struct in context
const ValidatedKey validationContextKey = "validated"

// Validator handles request validation
type Validator struct {
	log      *logger.Logger
	validate *validator.Validate
}

// NewValidator creates a new validator instance
func NewValidator(log *logger.Logger) *Validator {
	return &Validator{
		log:      log,
		validate: validate,
	}
}

// ValidateRequest validates incoming requests based on the validation struct in context
func (v *Validator) ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip validation for GET, HEAD, OPTIONS
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		// Get validation struct type from context
		valType, ok := r.Context().Value(ValidationKey).(interface{})
		if !ok {
			v.log.Error("No validation type specified")
			http.Error(w, "No validation type specified", http.StatusInternalServerError)
			return
		}

		// Create a new instance of the validation struct
		val := reflect.New(reflect.TypeOf(valType)).Interface()

		// Parse request body into validation struct
		if err := json.NewDecoder(r.Body).Decode(val); err != nil {
			v.log.Error("Failed to decode request body",
				zap.Error(err),
				zap.String("path", r.URL.Path),
			)
			http.Error(w, "Invalid request format", http.StatusBadRequest)
			return
		}

		// Validate the struct
		if err := v.validate.Struct(val); err != nil {
			validationErrors := []string{}
			for _, err := range err.(validator.ValidationErrors) {
				// Convert validation error to readable message
				msg := fmt.Sprintf("Field '%s' failed validation: %s",
					toSnakeCase(err.Field()),
					getValidationErrorMsg(err))
				validationErrors = append(validationErrors, msg)
			}

			v.log.Error("Validation failed",
				zap.Strings("errors", validationErrors),
				zap.String("path", r.URL.Path),
			)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":   "Validation failed",
				"details": validationErrors,
			})
			return
		}

		// Store validated request in context
		ctx := context.WithValue(r.Context(), ValidatedKey, val)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Helper function to convert CamelCase to snake_case
func toSnakeCase(str string) string {
	var matchFirstCap = regexp.MustCompile("(.)([A-Z][a-z]+)")
	var matchAllCap = regexp.MustCompile("([a-z0-9])([A-Z])")

	snake := matchFirstCap.ReplaceAllString(str, "${1}_${2}")
	snake = matchAllCap.ReplaceAllString(snake, "${1}_${2}")
	return strings.ToLower(snake)
}

// Helper function to get readable validation error messages
func getValidationErrorMsg(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters long", err.Param())
	case "max":
		return fmt.Sprintf("must not be longer than %s characters", err.Param())
	case "alphanum":
		return "must contain only alphanumeric characters"
	case "containsany":
		return fmt.Sprintf("must contain at least one of these characters: %s", err.Param())
	case "uuid4":
		return "must be a valid UUID"
	case "nefield":
		return fmt.Sprintf("must be different from %s", err.Param())
	default:
		return fmt.Sprintf("failed %s validation", err.Tag())
	}
}
