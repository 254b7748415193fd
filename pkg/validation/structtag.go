package validation

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is a package-level validator instance, registered once at
// init time with the "pathlabel" tag used across the fabric's public
// entry points (rpcfabric push/reply, graph store node/link labels).
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("pathlabel", validatePathLabel); err != nil {
		panic(err)
	}
	return v
}

// validatePathLabel applies the label grammar of path.ValidLabel (a
// letter or underscore, then letters, digits, or underscores). It is
// spelled out here because pkg/path imports pkg/kberrors, which
// imports this package.
func validatePathLabel(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		letter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
		if !letter && (i == 0 || c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// ValidateStruct runs struct-tag validation against s, translating
// the first failure set into a *ValidationError scoped to resource.
// A nil return means s passed every "validate" tag.
func ValidateStruct(resource string, s interface{}) *ValidationError {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		ve := NewValidationError(resource, err.Error())
		return ve
	}
	ve := NewValidationError(resource, "one or more fields failed validation")
	for _, fe := range verrs {
		ve.AddFieldError(strings.ToLower(fe.Field()), fe.Tag())
	}
	return ve
}
