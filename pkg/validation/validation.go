package validation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	v     *validator.Validate
	vOnce sync.Once

	a1Ref  = regexp.MustCompile(`^\$?[A-Za-z]+\$?[0-9]+$`)
	nameRe = regexp.MustCompile(`^[A-Za-z_\\][A-Za-z0-9_\. ]{0,254}$`)
)

// Validator returns a singleton validator with custom rules registered.
func Validator() *validator.Validate {
	vOnce.Do(func() {
		v = validator.New()
		// Custom: A1-style range, optionally sheet-qualified, or a plausible defined name
		_ = v.RegisterValidation("a1orname", func(fl validator.FieldLevel) bool {
			return IsRangeOrName(fl.Field().String())
		})
	})
	return v
}

// IsRangeOrName reports whether s looks like A1:D50, Sheet!A1:D50 or a defined name.
func IsRangeOrName(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if i := strings.LastIndexByte(s, '!'); i >= 0 {
		s = s[i+1:]
	}
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 2 {
			return false
		}
		return a1Ref.MatchString(parts[0]) && a1Ref.MatchString(parts[1])
	}
	return nameRe.MatchString(s)
}

// RegisterNames adds a case-insensitive membership rule under tag. names is
// consulted on every check so registries that grow after startup stay in sync.
// Call it during package initialization, before the validator is used concurrently.
func RegisterNames(tag string, names func() []string) {
	_ = Validator().RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		s := strings.ToLower(strings.TrimSpace(fl.Field().String()))
		for _, n := range names() {
			if strings.ToLower(n) == s {
				return true
			}
		}
		return false
	})
	mu.Lock()
	enums[tag] = names
	mu.Unlock()
}

var (
	mu    sync.RWMutex
	enums = map[string]func() []string{}
)

// ValidateStruct validates a struct and returns a user-friendly error string.
// Returns empty string when valid.
func ValidateStruct(s any) string {
	err := Validator().Struct(s)
	if err == nil {
		return ""
	}
	ve, ok := err.(validator.ValidationErrors)
	if !ok || len(ve) == 0 {
		return "invalid definition"
	}
	fe := ve[0]
	field := fieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "a1orname":
		return fmt.Sprintf("%s: invalid range %q; use A1:D50 or a defined name", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "min", "max", "gte", "lte":
		return fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param())
	}
	mu.RLock()
	names, ok := enums[fe.Tag()]
	mu.RUnlock()
	if ok {
		return fmt.Sprintf("%s: unknown value %q; expected one of: %s", field, fe.Value(), strings.Join(names(), ", "))
	}
	// Fallback generic
	return fmt.Sprintf("invalid %s (%s)", field, fe.Tag())
}

// fieldPath drops the root type from a namespace: Pivot.Rows[0].Order -> rows[0].order.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	return strings.ToLower(ns)
}
