package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

/*
Decode parses one wire value from text. The parser is strict: trailing
commas, unterminated strings, duplicate object keys, unknown keywords and
trailing garbage are all errors.
*/
func Decode(text string) (any, error) {
	p := &parser{input: text}
	p.skipSpace()

	value, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, p.errorf("trailing characters after value")
	}

	return value, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("wire: %s at offset %d", fmt.Sprintf(format, args...), p.pos)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

func (p *parser) expect(ch byte) error {
	got, ok := p.peek()
	if !ok {
		return p.errorf("unexpected end of input, expected %q", string(ch))
	}
	if got != ch {
		return p.errorf("expected %q, got %q", string(ch), string(got))
	}
	p.pos++
	return nil
}

func (p *parser) parseValue() (any, error) {
	ch, ok := p.peek()
	if !ok {
		return nil, p.errorf("unexpected end of input")
	}

	switch {
	case ch == '"':
		return p.parseString()
	case ch == '{':
		return p.parseObject()
	case ch == '[':
		return p.parseArray()
	case ch == '-' || (ch >= '0' && ch <= '9'):
		return p.parseNumber()
	default:
		return p.parseKeyword()
	}
}

// parseKeyword handles the bare identifiers: the JSON literals, the numeric
// extensions and the Date/Set/Map constructors.
func (p *parser) parseKeyword() (any, error) {
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') {
			p.pos++
			continue
		}
		break
	}

	word := p.input[start:p.pos]

	switch word {
	case "null":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "Date":
		return p.parseDate()
	case "Set":
		return p.parseSet()
	case "Map":
		return p.parseMap()
	default:
		p.pos = start
		return nil, p.errorf("unknown keyword %q", word)
	}
}

func (p *parser) parseNumber() (any, error) {
	start := p.pos

	if ch, _ := p.peek(); ch == '-' {
		p.pos++
		// -Infinity rides the number path because of its sign.
		if strings.HasPrefix(p.input[p.pos:], "Infinity") {
			p.pos += len("Infinity")
			return math.Inf(-1), nil
		}
	}

	digits := func() bool {
		seen := false
		for p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
			p.pos++
			seen = true
		}
		return seen
	}

	if !digits() {
		return nil, p.errorf("invalid number")
	}
	// Leading zeros are invalid JSON.
	if p.input[start] == '0' && p.pos-start > 1 ||
		(p.input[start] == '-' && p.input[start+1] == '0' && p.pos-start > 2) {
		return nil, p.errorf("invalid number: leading zero")
	}

	if ch, ok := p.peek(); ok && ch == '.' {
		p.pos++
		if !digits() {
			return nil, p.errorf("invalid number: missing fraction digits")
		}
	}

	if ch, ok := p.peek(); ok && (ch == 'e' || ch == 'E') {
		p.pos++
		if ch, ok := p.peek(); ok && (ch == '+' || ch == '-') {
			p.pos++
		}
		if !digits() {
			return nil, p.errorf("invalid number: missing exponent digits")
		}
	}

	num, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return nil, p.errorf("invalid number %q", p.input[start:p.pos])
	}
	return num, nil
}

func (p *parser) parseString() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}

	var out strings.Builder

	for {
		if p.pos >= len(p.input) {
			return "", p.errorf("unterminated string")
		}

		ch := p.input[p.pos]

		switch {
		case ch == '"':
			p.pos++
			return out.String(), nil
		case ch == '\\':
			p.pos++
			decoded, err := p.parseEscape()
			if err != nil {
				return "", err
			}
			out.WriteRune(decoded)
		case ch < 0x20:
			return "", p.errorf("unescaped control character in string")
		default:
			out.WriteByte(ch)
			p.pos++
		}
	}
}

func (p *parser) parseEscape() (rune, error) {
	ch, ok := p.peek()
	if !ok {
		return 0, p.errorf("unterminated escape")
	}
	p.pos++

	switch ch {
	case '"':
		return '"', nil
	case '\\':
		return '\\', nil
	case '/':
		return '/', nil
	case 'b':
		return '\b', nil
	case 'f':
		return '\f', nil
	case 'n':
		return '\n', nil
	case 'r':
		return '\r', nil
	case 't':
		return '\t', nil
	case 'u':
		first, err := p.parseHex4()
		if err != nil {
			return 0, err
		}
		if utf16.IsSurrogate(rune(first)) && strings.HasPrefix(p.input[p.pos:], `\u`) {
			p.pos += 2
			second, err := p.parseHex4()
			if err != nil {
				return 0, err
			}
			return utf16.DecodeRune(rune(first), rune(second)), nil
		}
		return rune(first), nil
	default:
		return 0, p.errorf("invalid escape character %q", string(ch))
	}
}

func (p *parser) parseHex4() (uint16, error) {
	if p.pos+4 > len(p.input) {
		return 0, p.errorf("truncated unicode escape")
	}
	parsed, err := strconv.ParseUint(p.input[p.pos:p.pos+4], 16, 16)
	if err != nil {
		return 0, p.errorf("invalid unicode escape")
	}
	p.pos += 4
	return uint16(parsed), nil
}

func (p *parser) parseArray() ([]any, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}

	arr := []any{}
	p.skipSpace()

	if ch, ok := p.peek(); ok && ch == ']' {
		p.pos++
		return arr, nil
	}

	for {
		p.skipSpace()
		elem, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		arr = append(arr, elem)

		p.skipSpace()
		ch, ok := p.peek()
		if !ok {
			return nil, p.errorf("unterminated array")
		}

		switch ch {
		case ',':
			p.pos++
			p.skipSpace()
			// A ']' right after ',' is a trailing comma.
			if next, ok := p.peek(); ok && next == ']' {
				return nil, p.errorf("trailing comma in array")
			}
		case ']':
			p.pos++
			return arr, nil
		default:
			return nil, p.errorf("expected ',' or ']' in array")
		}
	}
}

func (p *parser) parseObject() (map[string]any, error) {
	if err := p.expect('{'); err != nil {
		return nil, err
	}

	obj := map[string]any{}
	p.skipSpace()

	if ch, ok := p.peek(); ok && ch == '}' {
		p.pos++
		return obj, nil
	}

	for {
		p.skipSpace()

		key, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if _, duplicate := obj[key]; duplicate {
			return nil, p.errorf("duplicate object key %q", key)
		}

		p.skipSpace()
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		p.skipSpace()

		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		obj[key] = value

		p.skipSpace()
		ch, ok := p.peek()
		if !ok {
			return nil, p.errorf("unterminated object")
		}

		switch ch {
		case ',':
			p.pos++
			p.skipSpace()
			if next, ok := p.peek(); ok && next == '}' {
				return nil, p.errorf("trailing comma in object")
			}
		case '}':
			p.pos++
			return obj, nil
		default:
			return nil, p.errorf("expected ',' or '}' in object")
		}
	}
}

func (p *parser) parseDate() (time.Time, error) {
	if err := p.expect('('); err != nil {
		return time.Time{}, err
	}
	p.skipSpace()

	raw, err := p.parseString()
	if err != nil {
		return time.Time{}, err
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, p.errorf("invalid date %q", raw)
	}

	p.skipSpace()
	if err := p.expect(')'); err != nil {
		return time.Time{}, err
	}
	return parsed, nil
}

func (p *parser) parseSet() (*Set, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()

	values, err := p.parseArray()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return &Set{Values: values}, nil
}

func (p *parser) parseMap() (*Map, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()

	pairs, err := p.parseArray()
	if err != nil {
		return nil, err
	}

	entries := make([]MapEntry, 0, len(pairs))

	for _, pair := range pairs {
		tuple, ok := pair.([]any)
		if !ok || len(tuple) != 2 {
			return nil, p.errorf("map entries must be [key, value] pairs")
		}
		entries = append(entries, MapEntry{Key: tuple[0], Value: tuple[1]})
	}

	p.skipSpace()
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return &Map{Entries: entries}, nil
}
