package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChangedSections returns the top-level YAML keys whose values differ
// between old and new, in declaration order.
func ChangedSections(old, new *Config) []string {
	ov, nv := reflect.ValueOf(*old), reflect.ValueOf(*new)
	t := ov.Type()
	var changed []string
	for i := 0; i < t.NumField(); i++ {
		if hashAny(ov.Field(i).Interface()) != hashAny(nv.Field(i).Interface()) {
			changed = append(changed, sectionName(t.Field(i)))
		}
	}
	return changed
}

// OnlyReloadable reports whether every changed section can be applied
// without restarting the process. Only the log section qualifies.
func OnlyReloadable(changed []string) bool {
	for _, s := range changed {
		if s != "log" {
			return false
		}
	}
	return true
}

func sectionName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("yaml"), ","); name != "" {
		return name
	}
	return f.Name
}

func hashAny(v any) string {
	if v == nil {
		return "nil"
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("error:%v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
