package config

import (
	"reflect"
	"strings"
)

const (
	keySeparator = "."
	tagName      = "mapstructure"
	squashOption = "squash"
)

// ConfigKeys returns the dotted viper key of every leaf field reachable from
// typ, named by mapstructure tags. Untagged fields use their lower-cased
// name. Fields tagged "-" are skipped and squashed structs add no name
// component. Pointers are followed; maps and slices are leaves.
func ConfigKeys(typ reflect.Type) []string {
	var keys []string
	walkKeys(typ, "", &keys)
	return keys
}

func walkKeys(typ reflect.Type, prefix string, keys *[]string) {
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		*keys = append(*keys, prefix)
		return
	}
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		name, squash, skip := fieldKey(field)
		if skip {
			continue
		}
		key := prefix
		if !squash {
			key = joinKey(prefix, name)
		}
		walkKeys(field.Type, key, keys)
	}
}

// fieldKey parses the mapstructure tag of field.
func fieldKey(field reflect.StructField) (name string, squash, skip bool) {
	tag, ok := field.Tag.Lookup(tagName)
	if !ok {
		return strings.ToLower(field.Name), false, false
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "-" {
		return "", false, true
	}
	for _, opt := range strings.Split(opts, ",") {
		if opt == squashOption {
			squash = true
		}
	}
	if name == "" {
		name = strings.ToLower(field.Name)
	}
	return name, squash, false
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + keySeparator + name
}
