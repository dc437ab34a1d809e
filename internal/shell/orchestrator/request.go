package orchestrator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// SubmitRequest is the input of Submit.
type SubmitRequest struct {
	OwnerID  string             `json:"owner_id" validate:"required,max=128"`
	Files    []domain.FileEntry `json:"files" validate:"required,min=1,dive"`
	Env      map[string]string  `json:"env,omitempty"`
	Port     int                `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Timeout  time.Duration      `json:"timeout,omitempty"`
	Priority domain.Priority    `json:"priority,omitempty" validate:"omitempty,oneof=critical high normal low"`
}

func (r SubmitRequest) config() domain.DeploymentConfig {
	return domain.DeploymentConfig{
		Files:    r.Files,
		Env:      r.Env,
		Timeout:  r.Timeout,
		Port:     r.Port,
		Priority: r.Priority,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest reports the first invalid field as a *domain.ValidationError.
func validateRequest(r SubmitRequest) error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &domain.ValidationError{Reason: err.Error()}
	}

	fe := fieldErrs[0]
	location := fe.Namespace()
	if _, rest, ok := strings.Cut(location, "."); ok {
		location = rest
	}
	return &domain.ValidationError{Reason: describeTag(fe), Location: location}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s needs at least %s entries", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
}
