package schema

import (
	"reflect"
	"regexp"
	"sync"
	"time"

	v "github.com/cohesivestack/valgo"
)

// Patterns are part of covenant declarations and therefore process-lifetime;
// compile each once.
var regexpCache sync.Map

func regexpFor(pattern string) *regexp.Regexp {
	if cached, ok := regexpCache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}

	compiled := regexp.MustCompile(pattern)
	regexpCache.Store(pattern, compiled)
	return compiled
}

/*
StringSchema accepts string values. Constraint methods return the receiver
so declarations read fluently; the checks themselves run on valgo.
*/
type StringSchema struct {
	notBlank  bool
	minLength int
	maxLength int
	pattern   string
}

// String returns a schema accepting any string.
func String() *StringSchema {
	return &StringSchema{}
}

// NotBlank rejects empty and whitespace-only strings.
func (s *StringSchema) NotBlank() *StringSchema {
	s.notBlank = true
	return s
}

// MinLength rejects strings shorter than n.
func (s *StringSchema) MinLength(n int) *StringSchema {
	s.minLength = n
	return s
}

// MaxLength rejects strings longer than n.
func (s *StringSchema) MaxLength(n int) *StringSchema {
	s.maxLength = n
	return s
}

// Matching rejects strings that do not match the regular expression.
func (s *StringSchema) Matching(pattern string) *StringSchema {
	s.pattern = pattern
	return s
}

func (s *StringSchema) Validate(value any) *Issues {
	str, ok := value.(string)

	if !ok {
		return issueAt("", "expected string, got %s", typeName(value))
	}

	validator := v.String(str, "value")

	if s.notBlank {
		validator = validator.Not().Blank()
	}
	if s.minLength > 0 {
		validator = validator.MinLength(s.minLength)
	}
	if s.maxLength > 0 {
		validator = validator.MaxLength(s.maxLength)
	}
	if s.pattern != "" {
		validator = validator.MatchingTo(regexpFor(s.pattern))
	}

	return collect(v.Is(validator))
}

/*
NumberSchema accepts float64 values, which is what the wire codec decodes
every numeric literal to. NaN and the infinities pass unless bounded.
*/
type NumberSchema struct {
	hasMin bool
	min    float64
	hasMax bool
	max    float64
}

// Number returns a schema accepting any number.
func Number() *NumberSchema {
	return &NumberSchema{}
}

// Min rejects numbers below n.
func (s *NumberSchema) Min(n float64) *NumberSchema {
	s.hasMin = true
	s.min = n
	return s
}

// Max rejects numbers above n.
func (s *NumberSchema) Max(n float64) *NumberSchema {
	s.hasMax = true
	s.max = n
	return s
}

func (s *NumberSchema) Validate(value any) *Issues {
	num, ok := value.(float64)

	if !ok {
		return issueAt("", "expected number, got %s", typeName(value))
	}

	validator := v.Float64(num, "value")

	if s.hasMin {
		validator = validator.GreaterOrEqualTo(s.min)
	}
	if s.hasMax {
		validator = validator.LessOrEqualTo(s.max)
	}

	return collect(v.Is(validator))
}

type boolSchema struct{}

// Bool returns a schema accepting true or false.
func Bool() Schema {
	return boolSchema{}
}

func (boolSchema) Validate(value any) *Issues {
	if _, ok := value.(bool); !ok {
		return issueAt("", "expected boolean, got %s", typeName(value))
	}
	return nil
}

type nullSchema struct{}

// Null returns a schema accepting only null.
func Null() Schema {
	return nullSchema{}
}

func (nullSchema) Validate(value any) *Issues {
	if value != nil {
		return issueAt("", "expected null, got %s", typeName(value))
	}
	return nil
}

type anySchema struct{}

// Any returns a schema accepting every value, including null.
func Any() Schema {
	return anySchema{}
}

func (anySchema) Validate(value any) *Issues {
	return nil
}

type dateSchema struct{}

// Date returns a schema accepting date values (time.Time after decoding).
func Date() Schema {
	return dateSchema{}
}

func (dateSchema) Validate(value any) *Issues {
	if _, ok := value.(time.Time); !ok {
		return issueAt("", "expected date, got %s", typeName(value))
	}
	return nil
}

/*
literalSchema accepts exactly one value, compared structurally.
*/
type literalSchema struct {
	want any
}

// Literal returns a schema accepting only the given value.
func Literal(want any) Schema {
	return literalSchema{want: want}
}

func (s literalSchema) Validate(value any) *Issues {
	if !reflect.DeepEqual(s.want, value) {
		return issueAt("", "expected literal %v, got %v", s.want, value)
	}
	return nil
}

// collect translates a finished valgo validation into our Issues shape.
func collect(val *v.Validation) *Issues {
	if val.Valid() {
		return nil
	}

	issues := &Issues{}

	for _, valueErr := range val.Errors() {
		for _, msg := range valueErr.Messages() {
			issues.add("", msg)
		}
	}

	return issues.orNil()
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case time.Time:
		return "date"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return reflect.TypeOf(value).String()
	}
}
