package schema

import "fmt"

/*
ObjectSchema validates string-keyed objects field by field. Fields are
required unless wrapped in Optional; unknown keys are rejected unless
AllowUnknown is set, because a covenant is a closed contract by default.
*/
type ObjectSchema struct {
	fields       map[string]Schema
	order        []string
	allowUnknown bool
}

// Object returns a schema over the given fields.
func Object(fields map[string]Schema) *ObjectSchema {
	order := make([]string, 0, len(fields))
	for name := range fields {
		order = append(order, name)
	}

	return &ObjectSchema{fields: fields, order: order}
}

// AllowUnknown tolerates keys that are not part of the declared fields.
func (s *ObjectSchema) AllowUnknown() *ObjectSchema {
	s.allowUnknown = true
	return s
}

func (s *ObjectSchema) Validate(value any) *Issues {
	obj, ok := value.(map[string]any)

	if !ok {
		return issueAt("", "expected object, got %s", typeName(value))
	}

	issues := &Issues{}

	for name, field := range s.fields {
		fieldValue, present := obj[name]

		if !present {
			if _, optional := field.(optionalSchema); optional {
				continue
			}
			issues.add(name, "missing required field")
			continue
		}

		if fieldIssues := field.Validate(fieldValue); fieldIssues != nil {
			for _, item := range fieldIssues.Items {
				issues.add(joinPath(name, item.Path), item.Message)
			}
		}
	}

	if !s.allowUnknown {
		for key := range obj {
			if _, declared := s.fields[key]; !declared {
				issues.add(key, "unknown field")
			}
		}
	}

	return issues.orNil()
}

/*
optionalSchema marks an object field as optional. Outside an object it
behaves as its inner schema, additionally accepting null.
*/
type optionalSchema struct {
	inner Schema
}

// Optional wraps a schema so the enclosing object treats it as optional.
func Optional(inner Schema) Schema {
	return optionalSchema{inner: inner}
}

func (s optionalSchema) Validate(value any) *Issues {
	if value == nil {
		return nil
	}
	return s.inner.Validate(value)
}

/*
ArraySchema validates arrays whose elements all conform to one schema.
*/
type ArraySchema struct {
	element Schema
}

// Array returns a schema over arrays of element.
func Array(element Schema) *ArraySchema {
	return &ArraySchema{element: element}
}

func (s *ArraySchema) Validate(value any) *Issues {
	arr, ok := value.([]any)

	if !ok {
		return issueAt("", "expected array, got %s", typeName(value))
	}

	issues := &Issues{}

	for idx, elem := range arr {
		if elemIssues := s.element.Validate(elem); elemIssues != nil {
			for _, item := range elemIssues.Items {
				issues.add(joinPath(fmt.Sprintf("[%d]", idx), item.Path), item.Message)
			}
		}
	}

	return issues.orNil()
}

/*
OneOfSchema accepts a value conforming to any of its alternatives.
*/
type OneOfSchema struct {
	alternatives []Schema
}

// OneOf returns a schema accepting any of the given alternatives.
func OneOf(alternatives ...Schema) *OneOfSchema {
	return &OneOfSchema{alternatives: alternatives}
}

func (s *OneOfSchema) Validate(value any) *Issues {
	for _, alt := range s.alternatives {
		if alt.Validate(value) == nil {
			return nil
		}
	}
	return issueAt("", "value matched none of %d alternatives", len(s.alternatives))
}

func joinPath(parent, child string) string {
	if child == "" {
		return parent
	}
	return parent + "." + child
}
