package schema

// Package schema is the validation facade: every schema in a covenant is a
// Schema, and the dispatcher only ever calls Validate. The primitive
// constraint checks are delegated to valgo; the composite recursion
// (objects, arrays, unions) is our own.

import (
	"fmt"
	"strings"
)

/*
Issue is a single validation finding, located by a dotted path into the
value that was validated.
*/
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

/*
Issues aggregates every finding of one Validate call. A nil *Issues means
the value passed.
*/
type Issues struct {
	Items []Issue `json:"items"`
}

// Error implements the error interface so Issues can travel as a plain error.
func (i *Issues) Error() string {
	return i.Summary()
}

// Summary renders the findings as a single human-readable line.
func (i *Issues) Summary() string {
	if i == nil || len(i.Items) == 0 {
		return "no issues"
	}

	parts := make([]string, 0, len(i.Items))

	for _, item := range i.Items {
		if item.Path == "" {
			parts = append(parts, item.Message)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", item.Path, item.Message))
	}

	return strings.Join(parts, "; ")
}

func (i *Issues) add(path, message string) {
	i.Items = append(i.Items, Issue{Path: path, Message: message})
}

func (i *Issues) merge(other *Issues) {
	if other == nil {
		return
	}
	i.Items = append(i.Items, other.Items...)
}

func (i *Issues) orNil() *Issues {
	if len(i.Items) == 0 {
		return nil
	}
	return i
}

/*
Schema validates one value. Implementations return nil when the value
conforms and a non-nil *Issues otherwise.
*/
type Schema interface {
	Validate(value any) *Issues
}

// Validate is the facade entry point: validate value against s, tolerating
// a nil schema (which accepts anything, like the Any schema).
func Validate(s Schema, value any) *Issues {
	if s == nil {
		return nil
	}
	return s.Validate(value)
}

func issueAt(path, format string, args ...any) *Issues {
	issues := &Issues{}
	issues.add(path, fmt.Sprintf(format, args...))
	return issues
}
