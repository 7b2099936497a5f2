package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Kind selects the canonicalization applied to a raw payload.
type Kind string

const (
	// KindAuto treats payloads that parse as a JSON object or array as JSON
	// and everything else as text.
	KindAuto Kind = "auto"
	KindJSON Kind = "json"
	KindText Kind = "text"
)

// Payload canonicalizes raw tool output.
//
// JSON is rewritten to RFC 8785 form. Text has CRLF and lone CR converted to
// LF, is NFC-normalized, and ends in exactly one newline. The returned kind is
// the one actually applied.
func Payload(kind Kind, raw []byte) ([]byte, Kind, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, kind, fmt.Errorf("empty payload")
	}

	switch kind {
	case KindJSON:
		out, err := JCSBytes(raw)
		if err != nil {
			return nil, kind, err
		}
		return out, KindJSON, nil
	case KindText:
		return Text(raw), KindText, nil
	case KindAuto, "":
		if looksLikeJSON(raw) {
			out, err := JCSBytes(raw)
			if err == nil {
				return out, KindJSON, nil
			}
		}
		return Text(raw), KindText, nil
	default:
		return nil, kind, fmt.Errorf("unknown payload kind %q", kind)
	}
}

// Text normalizes line endings and Unicode composition.
func Text(raw []byte) []byte {
	out := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	out = bytes.ReplaceAll(out, []byte("\r"), []byte("\n"))
	out = norm.NFC.Bytes(out)
	out = bytes.TrimRight(out, "\n")
	return append(out, '\n')
}

func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return false
	}
	return json.Valid(trimmed)
}
