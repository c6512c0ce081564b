package config

import (
	"reflect"
)

// MergeNonZero returns base with every set field of overlay applied on
// top. A field is set when it is non-zero; slices need at least one
// element and maps are merged key by key with overlay winning. Nested
// structs merge field by field.
func MergeNonZero[T any](base, overlay T) T {
	out := base
	merge(reflect.ValueOf(&out).Elem(), reflect.ValueOf(overlay))
	return out
}

func merge(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.Struct:
		for i := 0; i < dst.NumField(); i++ {
			if dst.Field(i).CanSet() {
				merge(dst.Field(i), src.Field(i))
			}
		}
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}
	case reflect.Map:
		if src.Len() == 0 {
			return
		}
		m := reflect.MakeMapWithSize(dst.Type(), dst.Len()+src.Len())
		for _, k := range dst.MapKeys() {
			m.SetMapIndex(k, dst.MapIndex(k))
		}
		for _, k := range src.MapKeys() {
			m.SetMapIndex(k, src.MapIndex(k))
		}
		dst.Set(m)
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}
