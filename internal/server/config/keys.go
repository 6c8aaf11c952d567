package config

import (
	"reflect"
	"strings"
)

// Keys returns the dotted name of every leaf setting, e.g.
// "tracking.block_size". Map sections such as devices are listed by
// their own key only.
func Keys() []string {
	var keys []string
	collectKeys(reflect.TypeOf(ServerConfig{}), "", &keys)
	return keys
}

func collectKeys(t reflect.Type, prefix string, keys *[]string) {
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("koanf")
		if tag == "" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct && !strings.HasPrefix(f.Type.PkgPath(), "time") {
			collectKeys(f.Type, key, keys)
			continue
		}
		*keys = append(*keys, key)
	}
}
