package events

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

// validatorInstance is shared so the validator can cache struct metadata.
var validatorInstance = validator.New()

// Validate checks the struct tags of v. Non-struct values are accepted as is.
func Validate(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return validatorInstance.Struct(v)
}
