package audit

import (
	"encoding/json"
	"strings"

	"shipment-batch-engine/internal/models"
)

// Redacted replaces credential and account values.
const Redacted = "[REDACTED]"

const postalKeep = 3

var (
	secretKeys  = []string{"password", "secret", "token", "api_key", "apikey", "authorization", "credential"}
	accountKeys = []string{"account", "shipper_number"}
	// personal data removed outright
	strippedKeys = []string{"street", "address", "line1", "line2", "name", "phone", "email"}
	postalKeys   = []string{"postal", "zip"}
	// kept even though they look like address fields
	keptKeys = []string{"city", "state", "region", "country", "row_number", "status", "code", "error_code"}
)

type rule int

const (
	keep rule = iota
	redact
	strip
	truncate
)

func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
}

func containsAny(k string, subs []string) bool {
	for _, s := range subs {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func ruleFor(key string) rule {
	k := normalizeKey(key)
	switch {
	case containsAny(k, secretKeys), containsAny(k, accountKeys):
		return redact
	case containsAny(k, postalKeys):
		return truncate
	case isKept(k):
		return keep
	case containsAny(k, strippedKeys):
		return strip
	}
	return keep
}

func isKept(k string) bool {
	for _, s := range keptKeys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of v with sensitive values removed. Maps are walked recursively,
// including maps inside slices.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			switch ruleFor(k) {
			case redact:
				out[k] = Redacted
			case strip:
			case truncate:
				out[k] = truncatePostal(val)
			default:
				out[k] = Redact(val)
			}
		}
		return out
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = val
		}
		return Redact(m)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}

func truncatePostal(v any) any {
	s, ok := v.(string)
	if !ok {
		return Redacted
	}
	r := []rune(strings.TrimSpace(s))
	if len(r) > postalKeep {
		r = r[:postalKeep]
	}
	return string(r)
}

// Payload redacts fields and encodes them for an audit row. Fields are encoded before they are
// redacted so named map and struct values are walked too.
func Payload(fields map[string]any) json.RawMessage {
	if len(fields) == 0 {
		return nil
	}
	raw, err := json.Marshal(fields)
	if err == nil {
		raw, err = RedactJSON(raw)
	}
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	}
	return raw
}

// RedactJSON redacts an already encoded object.
func RedactJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(Redact(v))
}

// Entry builds an audit row with a redacted payload.
func Entry(jobID string, rowNumber *int, action models.AuditAction, outcome models.AuditOutcome, code *string, fields map[string]any) models.AuditLog {
	return models.AuditLog{
		JobID:     jobID,
		RowNumber: rowNumber,
		Action:    action,
		Outcome:   outcome,
		Payload:   Payload(fields),
		ErrorCode: code,
	}
}
