// Package nilcheck detects typed-nil values hidden behind interfaces.
package nilcheck

import "reflect"

// Interface reports whether value is nil, including a nil pointer, map,
// slice, channel or func stored in a non-nil interface.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	switch v := reflect.ValueOf(value); v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
