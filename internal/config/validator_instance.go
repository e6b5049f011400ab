package config

import (
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	metricNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// validatorInstance configures and returns the shared validator instance used across the config package.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("metric_name", func(fl validator.FieldLevel) bool {
			return metricNamePattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("root_path", func(fl validator.FieldLevel) bool {
			return isValidPath(fl.Field().String())
		})

		validateInst = v
	})

	return validateInst
}

// GetValidator returns a configured validator instance for use outside the config package.
func GetValidator() *validator.Validate {
	return validatorInstance()
}

// isValidPath performs syntactic validation of a path without filesystem access.
func isValidPath(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	return !strings.Contains(path, "\x00")
}
