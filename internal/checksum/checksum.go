package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// domain separates row fingerprints from any other sha256 the system computes.
// The version suffix allows the algorithm to change without colliding with stored values.
const domain = "shipbatch/row/v1"

// Of fingerprints a source row. The result is stable across processes for identical input:
// keys are sorted, keys and values are NFC normalized, and the encoding never escapes HTML.
// Columns named in exclude (typically write-back output columns) do not contribute.
func Of(fields map[string]string, exclude ...string) string {
	skip := make(map[string]struct{}, len(exclude))
	for _, k := range exclude {
		skip[k] = struct{}{}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if _, ok := skip[k]; ok {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(&buf, norm.NFC.String(k))
		buf.WriteByte(':')
		writeString(&buf, norm.NFC.String(fields[k]))
	}
	buf.WriteByte('}')

	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(buf.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares two fingerprints; an empty expected value never matches.
func Equal(expected, actual string) bool {
	return expected != "" && expected == actual
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	// Encoder terminates every value with a newline.
	buf.Truncate(buf.Len() - 1)
}
