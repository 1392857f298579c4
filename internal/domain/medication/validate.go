package medication

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/carehome/medround/internal/schedule"
)

// ValidationError lists the invariants a malformed order violates
type ValidationError struct {
	OrderID    string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for order %s: %s", e.OrderID, strings.Join(e.Violations, "; "))
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, err := schedule.ParseClockTime(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the order against the data model invariants.
func (o *Order) Validate() error {
	var violations []string

	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate order %s: %w", o.ID, err)
		}
		for _, fe := range verrs {
			violations = append(violations, describe(fe))
		}
	}

	if o.ScheduleType == ScheduleScheduled {
		if len(o.Times) == 0 {
			violations = append(violations, "scheduled order requires at least one time")
		}
		for i, t := range o.Times {
			if err := validate.Var(t, "clock"); err != nil {
				violations = append(violations, fmt.Sprintf("Times[%d] has invalid clock time %q", i, t))
			}
		}
		if o.Frequency == FrequencyAsNeeded {
			violations = append(violations, "as-needed frequency requires prn schedule type")
		}
	}

	if o.EndDate != nil && o.EndDate.Before(o.StartDate) {
		violations = append(violations, "end date is before start date")
	}

	if len(violations) > 0 {
		return &ValidationError{OrderID: o.ID, Violations: violations}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s %q is not one of [%s]", fe.Field(), fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
