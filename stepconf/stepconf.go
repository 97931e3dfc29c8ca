// Package stepconf fills a configuration struct from environment variables
// described by `env` struct tags.
package stepconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrNotStructPtr indicates a type is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// Secret variables are not shown in the printed output.
type Secret string

const secret = "*****"

// String implements fmt.Stringer.String.
// When a Secret is printed, it's masking the underlying string with asterisks.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secret
}

// EnvGetter ...
type EnvGetter interface {
	Get(key string) string
}

type osEnvGetter struct{}

func (osEnvGetter) Get(key string) string {
	return os.Getenv(key)
}

// Parse populates a struct with the retrieved values from environment variables
// described by struct tags and applies the defined validations.
func Parse(conf interface{}) error {
	return parse(conf, osEnvGetter{})
}

func parse(conf interface{}, envGetter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []string
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := envGetter.Get(key)

		if err := setField(c.Field(i), value, constraint); err != nil {
			errs = append(errs, fmt.Sprintf("- %s: %s", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to parse config:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func parseTag(tag string) (string, string) {
	if !strings.Contains(tag, ",") {
		return tag, ""
	}
	s := strings.SplitN(tag, ",", 2)
	return s[0], s[1]
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validate(value, constraint); err != nil {
		return err
	}
	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		if err := setValue(ptr.Elem(), value); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}
	return setValue(field, value)
}

func setValue(field reflect.Value, value string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.New("can't convert to duration")
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return errors.New("can't convert to bool")
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to int")
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to uint")
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to float")
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		field.Set(reflect.ValueOf(strings.Split(value, "|")))
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}
	return nil
}

func parseBool(userInput string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(userInput)) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(userInput)
}

// validate checks value against the constraint of its tag. Unset values
// only fail the required constraint.
func validate(value, constraint string) error {
	if value == "" {
		if constraint == "required" {
			return errors.New("required variable is not present")
		}
		return nil
	}

	switch constraint {
	case "", "required":
		return nil
	case "file", "dir":
		info, err := os.Stat(value)
		if err != nil {
			return errors.New("file or directory does not exist")
		}
		if constraint == "dir" && !info.IsDir() {
			return errors.New("not a directory")
		}
	default:
		if !strings.HasPrefix(constraint, "opt[") || !strings.HasSuffix(constraint, "]") {
			return fmt.Errorf("invalid constraint (%s)", constraint)
		}
		opts := getOptions(constraint)
		for _, opt := range opts {
			if opt == value {
				return nil
			}
		}
		return fmt.Errorf("value is not in value options (%s)", strings.Join(opts, ", "))
	}
	return nil
}

// getOptions splits opt[a,b,'c,d'] into its values; quoted values may contain commas.
func getOptions(constraint string) []string {
	body := strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]")

	var (
		opts    []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range body {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			opts = append(opts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(opts, current.String())
}

// Print the name of the struct with Title case in blue color followed by a newline,
// then print all fields formatted as '- field name: field value` separated by newline.
func Print(config interface{}) {
	fmt.Print(toString(config))
}

func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	t := reflect.TypeOf(config)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
		t = t.Elem()
	}

	name := t.Name()
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	str := fmt.Sprintf("\x1b[34;1m%s:\n\x1b[0m", name)

	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		key := t.Field(i).Name
		if tag, ok := t.Field(i).Tag.Lookup("env"); ok {
			key, _ = parseTag(tag)
		}

		value := valueString(v.Field(i))
		if value == "" {
			value = "<unset>"
		}
		str += fmt.Sprintf("- %s: %s\n", key, value)
	}
	return str
}

// valueString returns the printed form of a field; zero values print as empty.
func valueString(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	if v.IsZero() {
		return ""
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.String {
		return strings.Join(v.Interface().([]string), "|")
	}
	return fmt.Sprintf("%v", v.Interface())
}
