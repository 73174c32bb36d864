package wire

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02T15:04:05.000Z07:00"

/*
Encode renders a value in the wire format. Object keys are emitted in
sorted order so equal values encode identically. Circular references are
encoding errors.
*/
func Encode(value any) (string, error) {
	enc := &encoder{seen: map[uintptr]struct{}{}}

	if err := enc.encode(value); err != nil {
		return "", err
	}

	return enc.out.String(), nil
}

type encoder struct {
	out  strings.Builder
	seen map[uintptr]struct{}
}

func (enc *encoder) encode(value any) error {
	switch val := value.(type) {
	case nil:
		enc.out.WriteString("null")
		return nil
	case undefinedValue:
		return fmt.Errorf("wire: undefined is only valid as an object field")
	case bool:
		if val {
			enc.out.WriteString("true")
		} else {
			enc.out.WriteString("false")
		}
		return nil
	case string:
		enc.encodeString(val)
		return nil
	case float64:
		enc.encodeNumber(val)
		return nil
	case int:
		enc.encodeNumber(float64(val))
		return nil
	case int64:
		enc.encodeNumber(float64(val))
		return nil
	case time.Time:
		enc.out.WriteString(`Date("`)
		enc.out.WriteString(val.UTC().Format(dateLayout))
		enc.out.WriteString(`")`)
		return nil
	case *Set:
		return enc.encodeSet(val)
	case *Map:
		return enc.encodeMap(val)
	case []any:
		return enc.encodeArray(val)
	case map[string]any:
		return enc.encodeObject(val)
	default:
		return fmt.Errorf("wire: unsupported type %T", value)
	}
}

func (enc *encoder) encodeNumber(num float64) {
	switch {
	case math.IsNaN(num):
		enc.out.WriteString("NaN")
	case math.IsInf(num, 1):
		enc.out.WriteString("Infinity")
	case math.IsInf(num, -1):
		enc.out.WriteString("-Infinity")
	case num == math.Trunc(num) && math.Abs(num) < 1e15:
		enc.out.WriteString(strconv.FormatInt(int64(num), 10))
	default:
		enc.out.WriteString(strconv.FormatFloat(num, 'g', -1, 64))
	}
}

func (enc *encoder) encodeString(str string) {
	enc.out.WriteByte('"')

	for _, r := range str {
		switch r {
		case '"':
			enc.out.WriteString(`\"`)
		case '\\':
			enc.out.WriteString(`\\`)
		case '\n':
			enc.out.WriteString(`\n`)
		case '\r':
			enc.out.WriteString(`\r`)
		case '\t':
			enc.out.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&enc.out, `\u%04x`, r)
				continue
			}
			enc.out.WriteRune(r)
		}
	}

	enc.out.WriteByte('"')
}

func (enc *encoder) encodeArray(arr []any) error {
	ptr := reflect.ValueOf(arr).Pointer()
	if err := enc.enter(ptr); err != nil {
		return err
	}
	defer enc.leave(ptr)

	enc.out.WriteByte('[')

	for idx, elem := range arr {
		if idx > 0 {
			enc.out.WriteByte(',')
		}
		if err := enc.encode(elem); err != nil {
			return err
		}
	}

	enc.out.WriteByte(']')
	return nil
}

func (enc *encoder) encodeObject(obj map[string]any) error {
	ptr := reflect.ValueOf(obj).Pointer()
	if err := enc.enter(ptr); err != nil {
		return err
	}
	defer enc.leave(ptr)

	keys := make([]string, 0, len(obj))
	for key := range obj {
		if _, dropped := obj[key].(undefinedValue); dropped {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	enc.out.WriteByte('{')

	for idx, key := range keys {
		if idx > 0 {
			enc.out.WriteByte(',')
		}
		enc.encodeString(key)
		enc.out.WriteByte(':')
		if err := enc.encode(obj[key]); err != nil {
			return err
		}
	}

	enc.out.WriteByte('}')
	return nil
}

func (enc *encoder) encodeSet(set *Set) error {
	ptr := reflect.ValueOf(set).Pointer()
	if err := enc.enter(ptr); err != nil {
		return err
	}
	defer enc.leave(ptr)

	enc.out.WriteString("Set([")

	for idx, elem := range set.Values {
		if idx > 0 {
			enc.out.WriteByte(',')
		}
		if err := enc.encode(elem); err != nil {
			return err
		}
	}

	enc.out.WriteString("])")
	return nil
}

func (enc *encoder) encodeMap(m *Map) error {
	ptr := reflect.ValueOf(m).Pointer()
	if err := enc.enter(ptr); err != nil {
		return err
	}
	defer enc.leave(ptr)

	enc.out.WriteString("Map([")

	for idx, entry := range m.Entries {
		if idx > 0 {
			enc.out.WriteByte(',')
		}
		enc.out.WriteByte('[')
		if err := enc.encode(entry.Key); err != nil {
			return err
		}
		enc.out.WriteByte(',')
		if err := enc.encode(entry.Value); err != nil {
			return err
		}
		enc.out.WriteByte(']')
	}

	enc.out.WriteString("])")
	return nil
}

func (enc *encoder) enter(ptr uintptr) error {
	if _, circular := enc.seen[ptr]; circular {
		return fmt.Errorf("wire: circular reference")
	}
	enc.seen[ptr] = struct{}{}
	return nil
}

func (enc *encoder) leave(ptr uintptr) {
	delete(enc.seen, ptr)
}

// MustEncode is Encode for values the caller knows are acyclic and
// supported, typically protocol frames the process built itself.
func MustEncode(value any) string {
	encoded, err := Encode(value)
	if err != nil {
		panic(err)
	}
	return encoded
}
