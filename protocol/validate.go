package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report wire names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that the command carries the fields its action needs. The
// returned error matches ErrInvalidCommand.
func (c *Command) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewError(CodeInvalidCommand, err.Error())
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "oneof":
			problems = append(problems, fmt.Sprintf("%s %q is not one of [%s]", fe.Field(), fe.Value(), fe.Param()))
		default:
			problems = append(problems, fmt.Sprintf("%s is required", fe.Field()))
		}
	}
	return NewError(CodeInvalidCommand, "invalid command: "+strings.Join(problems, "; "))
}
