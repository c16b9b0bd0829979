package postgres

import (
	"reflect"
	"sync"
)

// ExtractDBColumns lists the "db" tags of T in field order, descending into
// embedded structs. Call once at repository construction.
//
//	columns := ExtractDBColumns[product.Product]()
func ExtractDBColumns[T any]() []string {
	var zero T
	return columnsOf(reflect.TypeOf(zero))
}

func columnsOf(t reflect.Type) []string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	var cols []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous {
			cols = append(cols, columnsOf(f.Type)...)
			continue
		}
		if tag := f.Tag.Get("db"); tag != "" && tag != "-" {
			cols = append(cols, tag)
		}
	}
	return cols
}

// fieldPaths caches, per struct type, the index path of every tagged field.
var fieldPaths sync.Map // reflect.Type -> []taggedField

type taggedField struct {
	path []int
	tag  string
}

func fieldsOf(t reflect.Type) []taggedField {
	if cached, ok := fieldPaths.Load(t); ok {
		return cached.([]taggedField)
	}
	var out []taggedField
	var walk func(t reflect.Type, prefix []int)
	walk = func(t reflect.Type, prefix []int) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			path := append(append([]int(nil), prefix...), i)
			if f.Anonymous && f.Type.Kind() == reflect.Struct {
				walk(f.Type, path)
				continue
			}
			if tag := f.Tag.Get("db"); tag != "" && tag != "-" {
				out = append(out, taggedField{path: path, tag: tag})
			}
		}
	}
	walk(t, nil)
	fieldPaths.Store(t, out)
	return out
}

// StructToMap converts a struct (or pointer to one) to column -> value using
// "db" tags. Suitable for squirrel's SetMap.
func StructToMap(v any) map[string]any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	fields := fieldsOf(rv.Type())
	res := make(map[string]any, len(fields))
	for _, f := range fields {
		res[f.tag] = rv.FieldByIndex(f.path).Interface()
	}
	return res
}
