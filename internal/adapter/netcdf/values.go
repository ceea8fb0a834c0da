package netcdf

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

var errTooManyValues = errors.New("more values than expected")

// flattenInto copies a (possibly nested) numeric slice returned by the
// NetCDF library into dst in row-major order and returns the number of
// values written.
func flattenInto(dst []float64, v any) (int, error) {
	switch x := v.(type) {
	case [][][]float32:
		n := 0
		for _, plane := range x {
			for _, row := range plane {
				if n+len(row) > len(dst) {
					return n, errTooManyValues
				}
				for _, f := range row {
					dst[n] = float64(f)
					n++
				}
			}
		}
		return n, nil
	case [][][]float64:
		n := 0
		for _, plane := range x {
			for _, row := range plane {
				if n+len(row) > len(dst) {
					return n, errTooManyValues
				}
				n += copy(dst[n:], row)
			}
		}
		return n, nil
	case []float64:
		if len(x) > len(dst) {
			return 0, errTooManyValues
		}
		return copy(dst, x), nil
	}

	n := 0
	var walk func(rv reflect.Value) error
	walk = func(rv reflect.Value) error {
		var f float64
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < rv.Len(); i++ {
				if err := walk(rv.Index(i)); err != nil {
					return err
				}
			}
			return nil
		case reflect.Float32, reflect.Float64:
			f = rv.Float()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			f = float64(rv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			f = float64(rv.Uint())
		default:
			return fmt.Errorf("unsupported value type %s", rv.Type())
		}
		if n >= len(dst) {
			return errTooManyValues
		}
		dst[n] = f
		n++
		return nil
	}
	if err := walk(reflect.ValueOf(v)); err != nil {
		return n, err
	}
	return n, nil
}

// toFloat64s flattens a numeric value or slice of any depth.
func toFloat64s(v any) ([]float64, error) {
	rv := reflect.ValueOf(v)
	size := 1
	for k := rv; k.Kind() == reflect.Slice || k.Kind() == reflect.Array; {
		if k.Len() == 0 {
			size = 0
			break
		}
		size *= k.Len()
		k = k.Index(0)
	}
	out := make([]float64, size)
	n, err := flattenInto(out, v)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// packing describes how stored values map to physical values.
type packing struct {
	missing []float64
	scale   float64
	offset  float64
}

func readPacking(attrs api.AttributeMap) (packing, error) {
	p := packing{scale: 1}
	if attrs == nil {
		return p, nil
	}
	for _, name := range []string{"_FillValue", "missing_value"} {
		if v, ok := attrs.Get(name); ok {
			vals, err := toFloat64s(v)
			if err != nil {
				return p, fmt.Errorf("attribute %s: %w", name, err)
			}
			p.missing = append(p.missing, vals...)
		}
	}
	if v, ok := attrFloat(attrs, "scale_factor"); ok {
		p.scale = v
	}
	if v, ok := attrFloat(attrs, "add_offset"); ok {
		p.offset = v
	}
	return p, nil
}

// apply converts stored values in place: missing markers become NaN and
// packed values are unpacked.
func (p packing) apply(vals []float64) {
	for i, v := range vals {
		if math.IsNaN(v) || p.isMissing(v) {
			vals[i] = math.NaN()
			continue
		}
		vals[i] = v*p.scale + p.offset
	}
}

func (p packing) isMissing(v float64) bool {
	for _, m := range p.missing {
		if v == m {
			return true
		}
	}
	return false
}

func attrFloat(attrs api.AttributeMap, name string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	v, ok := attrs.Get(name)
	if !ok {
		return 0, false
	}
	vals, err := toFloat64s(v)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

func attrString(attrs api.AttributeMap, name string) string {
	if attrs == nil {
		return ""
	}
	v, ok := attrs.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
