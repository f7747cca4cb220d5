package cache

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type shape int

const (
	shapeAny shape = iota
	shapeSequence
	shapeObject
)

var keyShapes = map[string]shape{
	KeyProducts:       shapeSequence,
	KeyCustomers:      shapeSequence,
	KeyCredits:        shapeSequence,
	KeySales:          shapeSequence,
	KeyReturns:        shapeSequence,
	KeyPendingSales:   shapeSequence,
	KeyStores:         shapeSequence,
	KeyCashSessionOps: shapeSequence,
	KeyCashReports:    shapeSequence,
	KeyCashReportOps:  shapeSequence,
	KeyCart:           shapeSequence,
	KeyErrorLog:       shapeSequence,
	KeyCashSession:    shapeObject,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// shapeFor matches a key by its base name, so "cart" and "cart.T02" share a
// schema.
func shapeFor(key string) shape {
	base, _, _ := strings.Cut(key, ".")
	return keyShapes[base]
}

func checkShape(key string, payload []byte) error {
	want := shapeFor(key)
	trimmed := bytes.TrimSpace(payload)
	if want == shapeAny || len(trimmed) == 0 {
		return nil
	}
	switch want {
	case shapeSequence:
		if trimmed[0] != '[' {
			return fmt.Errorf("%w: %s must hold a sequence", ErrSchemaMismatch, key)
		}
	case shapeObject:
		if trimmed[0] != '{' {
			return fmt.Errorf("%w: %s must hold an object", ErrSchemaMismatch, key)
		}
	}
	return nil
}

// checkValue runs struct tag validation on value, or on every element when
// value is a slice.
func checkValue(value any) error {
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		return validate.Struct(v.Interface())
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			for elem.Kind() == reflect.Pointer && !elem.IsNil() {
				elem = elem.Elem()
			}
			if elem.Kind() != reflect.Struct {
				continue
			}
			if err := validate.Struct(elem.Interface()); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
	}
	return nil
}
