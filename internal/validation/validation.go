package validation

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// ErrValidationFailed is the first error of the chain returned by Validate.
var ErrValidationFailed = errors.New("struct validation failed")

var validate *validator.Validate

var hexPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]+$`)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	_ = validate.RegisterValidation("hexbytes", func(fl validator.FieldLevel) bool {
		return hexPattern.MatchString(fl.Field().String())
	})
}

// Validate checks v against its `validate` tags and joins one error per
// offending field behind ErrValidationFailed.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}

	errs := []error{ErrValidationFailed}
	for _, fe := range fieldErrors {
		errs = append(errs, fmt.Errorf("'%s': value '%v' fails '%s'", fe.Namespace(), fe.Value(), fe.Tag()))
	}
	return errors.Join(errs...)
}
