package manifest

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	flowerrors "github.com/alexisbeaulieu97/flowplug/pkg/errors"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	semverPattern   = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-[0-9A-Za-z-.]+)?(?:\+[0-9A-Za-z-.]+)?$`)
	namePattern     = regexp.MustCompile(`^[a-z0-9_]+$`)
	runtimePattern  = regexp.MustCompile(`^\d+\.x$`)
	entryPointChars = regexp.MustCompile(`^[^\s\x00]+$`)
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			return semverPattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("plugin_name", func(fl validator.FieldLevel) bool {
			return namePattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("runtime_version", func(fl validator.FieldLevel) bool {
			return runtimePattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("capability", func(fl validator.FieldLevel) bool {
			return capability.Kind(fl.Field().String()).Valid()
		})

		_ = v.RegisterValidation("loader_kind", func(fl validator.FieldLevel) bool {
			return LoaderKind(fl.Field().String()).Valid()
		})

		_ = v.RegisterValidation("entry_point", func(fl validator.FieldLevel) bool {
			return entryPointChars.MatchString(fl.Field().String())
		})

		validateInst = v
	})

	return validateInst
}

// Validate checks field formats and cross-field rules.
func (m Manifest) Validate() error {
	if err := validatorInstance().Struct(m); err != nil {
		return convertValidationError(err)
	}

	if m.LoaderKind == LoaderScripted {
		if _, _, err := m.ScriptTarget(); err != nil {
			return flowerrors.NewValidationError("entryPoint", err.Error(), err)
		}
	}
	if m.IsBuiltin() && m.BuiltinModule() == "" {
		return flowerrors.NewValidationError("entryPoint", "builtin entry point names no module", nil)
	}
	if err := m.CheckRuntime(); err != nil {
		return flowerrors.NewValidationError("runtimeVersion", err.Error(), err)
	}
	return nil
}

func convertValidationError(err error) error {
	if err == nil {
		return nil
	}

	if ves, ok := err.(validator.ValidationErrors); ok {
		ve := ves[0]
		field := manifestFieldName(ve)
		msg := fmt.Sprintf("%s failed validation for tag '%s'", field, ve.Tag())
		if ve.Tag() == "required" {
			msg = fmt.Sprintf("%s is required", field)
		}
		return flowerrors.NewValidationError(field, msg, err)
	}

	return flowerrors.NewValidationError("", err.Error(), err)
}

// manifestFieldName maps a struct field back to its document key.
func manifestFieldName(fe validator.FieldError) string {
	name := fe.StructField()
	if name == "" {
		return "manifest"
	}
	return strings.ToLower(name[:1]) + name[1:]
}
