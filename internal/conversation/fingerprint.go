package conversation

import "strings"

// FingerprintSeparator joins the "<role>:<text>" entries of a fingerprint.
const FingerprintSeparator = "|"

// fingerprintEscaper keeps separators inside turn text from colliding with
// real turn boundaries. Text without '|' or '\' is left untouched.
var fingerprintEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

// Fingerprint renders turns as "user:<text>|assistant:<text>|...".
//
// The result is both the text submitted for embedding and the question stored
// next to a cached answer, so every caller must go through this function.
func Fingerprint(turns []Turn) string {
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteString(FingerprintSeparator)
		}
		sb.WriteString(string(t.Role))
		sb.WriteByte(':')
		sb.WriteString(fingerprintEscaper.Replace(t.Text))
	}
	return sb.String()
}
