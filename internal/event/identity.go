package event

import "strings"

// identityFields enumerates, per detector code, the evidence fields that
// define incident identity. Fields not listed here never influence the key,
// so volatile evidence (counts, timestamps, fingerprints) can be attached
// freely without splitting incidents.
var identityFields = map[string][]string{
	"SEC-01": {"ip"},
	"SEC-02": {"ip", "user"},
	"SEC-03": {"user", "runas", "command"},
	"SEC-04": {"proc", "port", "proto", "bind"},
	"SEC-05": {"path"},
	"HEA-01": {"sensor"},
	"HEA-02": {"sensor"},
	"HEA-03": {"mount"},
	"HEA-04": {"unit"},
	"HEA-05": {"resource"},
}

// IdentityFields returns the designated identity fields for a detector code.
// Codes without an explicit entry fall back to the full evidence map being
// irrelevant: identity is the code alone.
func IdentityFields(code string) []string {
	return identityFields[code]
}

// IncidentKey builds the deterministic incident key for a code and its
// evidence. The key is stable across ticks and restarts: it uses the
// enumerated field order, never map iteration order.
func IncidentKey(code string, evidence map[string]string) string {
	fields := identityFields[code]

	var b strings.Builder
	b.WriteString(code)
	for _, f := range fields {
		b.WriteByte('|')
		b.WriteString(f)
		b.WriteByte('=')
		b.WriteString(evidence[f])
	}
	return b.String()
}
