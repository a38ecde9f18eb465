package config

import (
	stderrors "errors"
	"reflect"

	"github.com/kimhsiao/csmsync/internal/logging"
)

// ErrConfigNotPointer is returned by LogConfigs for non-pointer arguments.
var ErrConfigNotPointer = stderrors.New("config must be a pointer to a struct")

// LogConfigs logs each config struct on its own line. Fields tagged masked:"true"
// are masked; nested structs are logged inline.
func LogConfigs(l *logging.Logger, configs ...interface{}) error {
	for _, cfg := range configs {
		v := reflect.ValueOf(cfg)
		if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
			return ErrConfigNotPointer
		}
		v = v.Elem()
		l.Info("config", map[string]interface{}{
			v.Type().Name(): maskStructFields(v),
		})
	}
	return nil
}

func maskStructFields(v reflect.Value) map[string]interface{} {
	t := v.Type()
	result := make(map[string]interface{}, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		switch field.Kind() {
		case reflect.Struct:
			result[fieldType.Name] = maskStructFields(field)
		case reflect.String:
			if fieldType.Tag.Get("masked") == "true" {
				result[fieldType.Name] = maskSensitiveData(field.String())
			} else {
				result[fieldType.Name] = field.String()
			}
		default:
			if d, ok := field.Interface().(interface{ String() string }); ok {
				result[fieldType.Name] = d.String()
			} else {
				result[fieldType.Name] = field.Interface()
			}
		}
	}
	return result
}

// maskSensitiveData keeps the first and last character. Empty secrets stay empty so
// unset values remain visible as unset.
func maskSensitiveData(data string) string {
	if data == "" {
		return ""
	}
	if len(data) <= 2 {
		return "****"
	}
	return string(data[0]) + "****" + string(data[len(data)-1])
}
