// Package validate applies each endpoint's declared per-field rules
// against an assembled request parameter map: required-ness, the
// int/string/enum/date/time validators, and the default-on SQL
// injection guard.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"flapi/internal/config"
)

// FieldError is one failed validator against one request field.
type FieldError struct {
	Field   string
	Message string
}

// Errors is the accumulated list of field validation failures, in
// the order the fields were declared.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return strings.Join(parts, "; ")
}

// sqlInjectionPattern flags unescaped quotes, statement separators,
// and block-comment sequences.
var sqlInjectionPattern = regexp.MustCompile(`'|"|;|--|/\*|\*/`)

// Fields validates every declared request field against the merged
// parameter map (already assembled by the pipeline: path captures,
// query string, and — for writes — the JSON body, all flattened to
// strings, nested values pre-serialized to compact JSON). All
// failures are collected; validation never stops at the first error.
func Fields(fields []config.RequestFieldConfig, params map[string]string) Errors {
	var errs Errors
	for _, f := range fields {
		value, present := params[f.Name]
		if !present || value == "" {
			if f.Required {
				errs = append(errs, FieldError{f.Name, "required field is missing"})
			}
			continue
		}

		if f.PreventsSQLInjection() && sqlInjectionPattern.MatchString(value) {
			errs = append(errs, FieldError{f.Name, "value contains disallowed characters"})
			continue
		}

		for _, v := range f.Validators {
			if err := validateOne(value, v); err != nil {
				errs = append(errs, FieldError{f.Name, err.Error()})
			}
		}
	}
	return errs
}

func validateOne(value string, v config.ValidatorConfig) error {
	switch v.Type {
	case "int":
		return validateInt(value, v)
	case "string":
		return validateString(value, v)
	case "enum":
		return validateEnum(value, v)
	case "date":
		return validateDate(value, v)
	case "time":
		return validateTime(value, v)
	default:
		return fmt.Errorf("unknown validator type %q", v.Type)
	}
}

func validateInt(value string, v config.ValidatorConfig) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("must be an integer")
	}
	if v.Min != nil && float64(n) < *v.Min {
		return fmt.Errorf("must be >= %v", *v.Min)
	}
	if v.Max != nil && float64(n) > *v.Max {
		return fmt.Errorf("must be <= %v", *v.Max)
	}
	return nil
}

func validateString(value string, v config.ValidatorConfig) error {
	if v.MinLen != nil && len(value) < *v.MinLen {
		return fmt.Errorf("must be at least %d characters", *v.MinLen)
	}
	if v.Regex != "" {
		re, err := regexp.Compile("^(?:" + v.Regex + ")$")
		if err != nil {
			return fmt.Errorf("invalid regex validator %q", v.Regex)
		}
		if !re.MatchString(value) {
			return fmt.Errorf("does not match required pattern")
		}
	}
	return nil
}

func validateEnum(value string, v config.ValidatorConfig) error {
	for _, a := range v.Allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("must be one of %s", strings.Join(v.Allowed, ", "))
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"}

func validateDate(value string, v config.ValidatorConfig) error {
	t, err := parseAny(value, dateLayouts)
	if err != nil {
		return fmt.Errorf("must be an ISO date")
	}
	if v.DateMin != "" {
		if min, err := parseAny(v.DateMin, dateLayouts); err == nil && t.Before(min) {
			return fmt.Errorf("must not be before %s", v.DateMin)
		}
	}
	if v.DateMax != "" {
		if max, err := parseAny(v.DateMax, dateLayouts); err == nil && t.After(max) {
			return fmt.Errorf("must not be after %s", v.DateMax)
		}
	}
	return nil
}

var timeLayouts = []string{"15:04:05", "15:04"}

func validateTime(value string, v config.ValidatorConfig) error {
	t, err := parseAny(value, timeLayouts)
	if err != nil {
		return fmt.Errorf("must be an ISO time")
	}
	if v.TimeMin != "" {
		if min, err := parseAny(v.TimeMin, timeLayouts); err == nil && t.Before(min) {
			return fmt.Errorf("must not be before %s", v.TimeMin)
		}
	}
	if v.TimeMax != "" {
		if max, err := parseAny(v.TimeMax, timeLayouts); err == nil && t.After(max) {
			return fmt.Errorf("must not be after %s", v.TimeMax)
		}
	}
	return nil
}

func parseAny(value string, layouts []string) (time.Time, error) {
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
