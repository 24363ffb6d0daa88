package models

import (
	"fmt"
)

// scanEnum reads a string column into an enum type and rejects values outside
// the known set so schema drift surfaces on read.
func scanEnum[T ~string](dst *T, src interface{}, valid func(T) bool) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*dst = ""
		return nil
	default:
		return fmt.Errorf("cannot scan %T into %T", src, *dst)
	}
	if !valid(T(s)) {
		return fmt.Errorf("invalid %T value %q", *dst, s)
	}
	*dst = T(s)
	return nil
}
