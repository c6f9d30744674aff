package dispatch

import (
	"encoding/json"
	"regexp"
)

// redactFieldNames matches the JSON field names the audit stage must
// redact before logging a payload.
var redactFieldNames = regexp.MustCompile(`(?i)^(password|token|secret|key)$`)

// sanitizePayload returns a copy of a JSON payload with sensitive field
// values replaced by "[REDACTED]", for audit logging. Non-JSON or
// non-object payloads are returned as an opaque placeholder rather than
// risking leaking raw bytes into a log line.
func sanitizePayload(payload []byte) string {
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "<non-object-payload>"
	}
	redactMap(decoded)
	out, err := json.Marshal(decoded)
	if err != nil {
		return "<unserializable-payload>"
	}
	return string(out)
}

func redactMap(m map[string]interface{}) {
	for k, v := range m {
		if redactFieldNames.MatchString(k) {
			m[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			redactMap(nested)
		}
	}
}
