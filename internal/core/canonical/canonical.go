package canonical

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

// Marshal produces the canonical JSON form of v:
//   - object keys sorted by UTF-16 code units
//   - strings NFC normalized, no HTML escaping
//   - numbers in shortest round-trip form
//   - no insignificant whitespace
//
// Values without a deterministic representation (NaN, Inf, funcs, channels,
// maps with non-string keys) fail with a *domain.EncodingError.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, reflect.ValueOf(v), "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode unmarshals canonical (or any) JSON keeping numbers as json.Number,
// so integers survive a round trip without float rounding.
func Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &domain.EncodingError{Reason: err.Error()}
	}
	return nil
}

// Normalize returns v after a canonical round trip. Hashing the result gives
// the same digest as hashing the value read back from storage.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := Decode(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	timeType       = reflect.TypeOf(time.Time{})
	numberType     = reflect.TypeOf(json.Number(""))
	rawMessageType = reflect.TypeOf(json.RawMessage(nil))
)

func encode(buf *bytes.Buffer, v reflect.Value, path string) error {
	if !v.IsValid() {
		buf.WriteString("null")
		return nil
	}

	switch v.Type() {
	case timeType:
		return encodeString(buf, v.Interface().(time.Time).UTC().Format(time.RFC3339Nano), path)
	case numberType:
		return encodeNumber(buf, v.Interface().(json.Number), path)
	case rawMessageType:
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		var decoded any
		if err := Decode(v.Bytes(), &decoded); err != nil {
			return &domain.EncodingError{Path: path, Reason: "invalid raw json"}
		}
		return encode(buf, reflect.ValueOf(decoded), path)
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encode(buf, v.Elem(), path)
	case reflect.Bool:
		if v.Bool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case reflect.String:
		return encodeString(buf, v.String(), path)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return encodeFloat(buf, v.Float(), path)
	case reflect.Slice:
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return encodeString(buf, base64.StdEncoding.EncodeToString(v.Bytes()), path)
		}
		return encodeArray(buf, v, path)
	case reflect.Array:
		return encodeArray(buf, v, path)
	case reflect.Map:
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return &domain.EncodingError{Path: path, Reason: fmt.Sprintf("map key type %s is not a string", v.Type().Key())}
		}
		return encodeMap(buf, v, path)
	case reflect.Struct:
		return encodeStruct(buf, v, path)
	}
	return &domain.EncodingError{Path: path, Reason: fmt.Sprintf("unsupported type %s", v.Type())}
}

func encodeArray(buf *bytes.Buffer, v reflect.Value, path string) error {
	buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeMap(buf *bytes.Buffer, v reflect.Value, path string) error {
	type entry struct {
		key   string
		value reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	seen := make(map[string]bool, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key := norm.NFC.String(iter.Key().String())
		if seen[key] {
			return &domain.EncodingError{Path: path, Reason: fmt.Sprintf("duplicate key %q after normalization", key)}
		}
		seen[key] = true
		entries = append(entries, entry{key: key, value: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return lessUTF16(entries[i].key, entries[j].key)
	})

	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, e.key, path); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, e.value, path+"."+e.key); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeStruct goes through encoding/json so struct tags are honoured, then
// re-encodes the generic form canonically.
func encodeStruct(buf *bytes.Buffer, v reflect.Value, path string) error {
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return &domain.EncodingError{Path: path, Reason: err.Error()}
	}
	var generic any
	if err := Decode(raw, &generic); err != nil {
		return err
	}
	return encode(buf, reflect.ValueOf(generic), path)
}

func encodeFloat(buf *bytes.Buffer, f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &domain.EncodingError{Path: path, Reason: fmt.Sprintf("non-finite number %v", f)}
	}
	buf.WriteString(formatFloat(f))
	return nil
}

func encodeNumber(buf *bytes.Buffer, n json.Number, path string) error {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return &domain.EncodingError{Path: path, Reason: fmt.Sprintf("invalid number %q", string(n))}
	}
	return encodeFloat(buf, f, path)
}

// formatFloat matches the ECMAScript Number serialization used by JCS:
// plain decimal in [1e-6, 1e21), exponent form outside it.
func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	format := byte('f')
	if abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}
	s := strconv.FormatFloat(f, format, -1, 64)
	if format == 'e' {
		// 1e-07 -> 1e-7
		n := len(s)
		if n >= 4 && s[n-4] == 'e' && s[n-3] == '-' && s[n-2] == '0' {
			s = s[:n-2] + s[n-1:]
		}
	}
	return s
}

const hexDigits = "0123456789abcdef"

func encodeString(buf *bytes.Buffer, s string, path string) error {
	if !utf8.ValidString(s) {
		return &domain.EncodingError{Path: path, Reason: "string is not valid UTF-8"}
	}
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[r>>4])
			buf.WriteByte(hexDigits[r&0xF])
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return nil
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
