package binder

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/schema"
	"github.com/segmentio/encoding/json"
)

const (
	gt       = "gt"
	gte      = "gte"
	mx       = "max"
	mn       = "min"
	oneof    = "oneof"
	required = "required"
	urlTag   = "url"
)

func formatUnmarshalTypeError(err *json.UnmarshalTypeError) string {
	return fmt.Sprintf("%q should be of type %s", strings.Trim(err.Field, "."), err.Type)
}

func formatSchemaConversionError(err schema.ConversionError) string {
	return fmt.Sprintf("%q should be of type %s", err.Key, err.Type)
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()

	switch err.Tag() {
	case gt:
		return fmt.Sprintf("%q must be greater than %s", field, err.Param())
	case gte:
		return fmt.Sprintf("%q must be greater than or equal to %s", field, err.Param())
	case mx:
		return formatBound(field, "less than or equal to", err)
	case mn:
		return formatBound(field, "greater than or equal to", err)
	case oneof:
		valids := []string{}
		for _, p := range strings.Fields(err.Param()) {
			valids = append(valids, fmt.Sprintf("%q", p))
		}
		return fmt.Sprintf("%q must be one of the following: %s", field, strings.Join(valids, ", "))
	case required:
		return fmt.Sprintf("%q is required", field)
	case urlTag:
		return fmt.Sprintf("%q must be an http or https URL", field)
	default:
		return fmt.Sprintf("%q is invalid", field)
	}
}

// formatBound describes a min or max failure. Numbers are compared by value,
// strings and slices by length.
func formatBound(field, relation string, err validator.FieldError) string {
	var unit string
	//exhaustive:ignore
	switch err.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprintf("%q must be %s %s", field, relation, err.Param())
	case reflect.Slice, reflect.Array, reflect.Map:
		unit = "element"
	default:
		unit = "character"
	}
	if err.Param() != "1" {
		unit += "s"
	}
	return fmt.Sprintf("%q length must be %s %s %s", field, relation, err.Param(), unit)
}
