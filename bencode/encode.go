package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Encode returns the canonical bencode encoding of v. Dictionary keys
// are always emitted in ascending lexicographic byte order regardless
// of the map's iteration order — this is the property the info-hash
// depends on (spec §4.A, §9).
func Encode(v Value) []byte {
	var buf bytes.Buffer
	EncodeTo(&buf, v)
	return buf.Bytes()
}

// EncodeTo writes the canonical bencode encoding of v to buf.
func EncodeTo(buf *bytes.Buffer, v Value) {
	switch val := v.(type) {
	case Integer:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		buf.WriteByte('e')
	case String:
		buf.WriteString(strconv.Itoa(len(val)))
		buf.WriteByte(':')
		buf.Write(val)
	case List:
		buf.WriteByte('l')
		for _, item := range val {
			EncodeTo(buf, item)
		}
		buf.WriteByte('e')
	case Dict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf.WriteString(strconv.Itoa(len(k)))
			buf.WriteByte(':')
			buf.WriteString(k)
			EncodeTo(buf, val[k])
		}
		buf.WriteByte('e')
	case nil:
		panic("bencode: cannot encode a nil Value")
	default:
		panic(fmt.Sprintf("bencode: unknown Value type %T", v))
	}
}
