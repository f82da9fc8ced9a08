// Package bitfield packs and unpacks struct fields into unsigned
// integers via a "bitfield" struct tag. Adapted from the teacher's
// mazarin/bitfield package (itself a simplified
// golang.org/x/text/internal/gen/bitfield), used here to name the
// tensor flag bits instead of scattering raw shifts through
// internal/tensor.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines the packed integer's width.
type Config struct {
	// NumBits bounds the total number of bits the tagged fields may
	// occupy. Zero means unbounded.
	NumBits uint
}

// Pack packs the "bitfield"-tagged fields of x, in declaration order,
// into the low bits of the returned uint64.
func Pack(x interface{}, c *Config) (uint64, error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("bitfield: Pack expected struct, got %v", v.Kind())
	}

	t := v.Type()
	var packed uint64
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("bitfield")
		if tag == "" {
			continue
		}

		var bits uint
		if _, err := fmt.Sscanf(tag, "%d", &bits); err != nil {
			return 0, fmt.Errorf("bitfield: invalid tag %q on field %s", tag, field.Name)
		}
		if bits == 0 {
			continue
		}

		fv := v.Field(i)
		var bits64 uint64
		switch fv.Kind() {
		case reflect.Bool:
			if fv.Bool() {
				bits64 = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			bits64 = fv.Uint()
		default:
			return 0, fmt.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), field.Name)
		}

		maxValue := uint64(1)<<bits - 1
		if bits64 > maxValue {
			return 0, fmt.Errorf("bitfield: value %d exceeds %d bits for field %s", bits64, bits, field.Name)
		}

		packed |= bits64 << bitOffset
		bitOffset += bits
	}

	if c.NumBits > 0 && bitOffset > c.NumBits {
		return 0, fmt.Errorf("bitfield: total bits %d exceeds NumBits %d", bitOffset, c.NumBits)
	}

	return packed, nil
}

// Unpack is Pack's inverse: it writes fields out of packed back into the
// "bitfield"-tagged fields of the struct pointed to by x.
func Unpack(packed uint64, x interface{}) error {
	v := reflect.ValueOf(x)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bitfield: Unpack expects a pointer to struct")
	}
	v = v.Elem()
	t := v.Type()

	var bitOffset uint
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("bitfield")
		if tag == "" {
			continue
		}

		var bits uint
		if _, err := fmt.Sscanf(tag, "%d", &bits); err != nil {
			return fmt.Errorf("bitfield: invalid tag %q on field %s", tag, field.Name)
		}
		if bits == 0 {
			continue
		}

		mask := uint64(1)<<bits - 1
		value := (packed >> bitOffset) & mask
		bitOffset += bits

		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Bool:
			fv.SetBool(value != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fv.SetUint(value)
		default:
			return fmt.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), field.Name)
		}
	}

	return nil
}
