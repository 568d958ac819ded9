// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package cfgstruct registers configuration structs as pflag flags using
// the help and default struct tags.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
)

// Error is the default cfgstruct errs class.
var Error = errs.Class("cfgstruct")

// Bind registers every tagged leaf field of config, which must be a
// pointer to a struct, as a flag. Nested structs contribute their field
// name as a dotted prefix.
func Bind(flags *pflag.FlagSet, config interface{}) {
	value := reflect.ValueOf(config)
	if value.Kind() != reflect.Ptr || value.Elem().Kind() != reflect.Struct {
		panic(Error.New("expected pointer to struct, got %T", config))
	}
	bindStruct(flags, value.Elem(), "")
}

func bindStruct(flags *pflag.FlagSet, value reflect.Value, prefix string) {
	structType := value.Type()
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}

		fieldValue := value.Field(i)
		name := prefix + hyphenate(field.Name)

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			childPrefix := name + "."
			if field.Anonymous {
				childPrefix = prefix
			}
			bindStruct(flags, fieldValue, childPrefix)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		if help == "" && def == "" {
			continue
		}
		bindField(flags, fieldValue, name, help, def)
	}
}

func bindField(flags *pflag.FlagSet, value reflect.Value, name, help, def string) {
	addr := value.Addr().Interface()
	switch target := addr.(type) {
	case *string:
		flags.StringVar(target, name, def, help)
	case *bool:
		flags.BoolVar(target, name, parseBool(name, def), help)
	case *int:
		flags.IntVar(target, name, int(parseInt(name, def)), help)
	case *int64:
		flags.Int64Var(target, name, parseInt(name, def), help)
	case *float64:
		flags.Float64Var(target, name, parseFloat(name, def), help)
	case *time.Duration:
		flags.DurationVar(target, name, parseDuration(name, def), help)
	case *[]string:
		var defaults []string
		if def != "" {
			defaults = strings.Split(def, ",")
		}
		flags.StringSliceVar(target, name, defaults, help)
	default:
		panic(Error.New("unsupported field type %s for %q", value.Type(), name))
	}
}

// hyphenate turns CamelCase field names into lowercase hyphenated flag
// segments, keeping acronym runs together: MaxOpenConns -> max-open-conns,
// APIKey -> api-key.
func hyphenate(name string) string {
	var out strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if i > 0 && isUpper(r) {
			prevLower := !isUpper(runes[i-1])
			nextLower := i+1 < len(runes) && !isUpper(runes[i+1])
			if prevLower || nextLower {
				out.WriteByte('-')
			}
		}
		out.WriteRune(lower(r))
	}
	return out.String()
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }

func lower(r rune) rune {
	if isUpper(r) {
		return r + ('a' - 'A')
	}
	return r
}

func parseBool(name, def string) bool {
	if def == "" {
		return false
	}
	parsed, err := strconv.ParseBool(def)
	if err != nil {
		panic(Error.New("malformed bool default for %q: %v", name, err))
	}
	return parsed
}

func parseInt(name, def string) int64 {
	if def == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(def, 10, 64)
	if err != nil {
		panic(Error.New("malformed int default for %q: %v", name, err))
	}
	return parsed
}

func parseFloat(name, def string) float64 {
	if def == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(def, 64)
	if err != nil {
		panic(Error.New("malformed float default for %q: %v", name, err))
	}
	return parsed
}

func parseDuration(name, def string) time.Duration {
	if def == "" {
		return 0
	}
	parsed, err := time.ParseDuration(def)
	if err != nil {
		panic(Error.New("malformed duration default for %q: %v", name, err))
	}
	return parsed
}

// DebugString renders the bound flags with their current values, one per
// line, for startup logging.
func DebugString(flags *pflag.FlagSet) string {
	var out strings.Builder
	flags.VisitAll(func(flag *pflag.Flag) {
		fmt.Fprintf(&out, "%s: %s\n", flag.Name, flag.Value.String())
	})
	return out.String()
}
