package dicom

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize prepares a value for comparison and hashing: NFC form with the
// DICOM space/NUL padding stripped.
func Normalize(v string) string {
	v = strings.TrimRight(v, "\x00 ")
	v = strings.TrimLeft(v, " ")
	return norm.NFC.String(v)
}

// EqualPersonName compares two PN values component by component,
// ignoring case and trailing empty components ("DOE^JOHN^^" == "Doe^John").
func EqualPersonName(a, b string) bool {
	pa := splitPersonName(Normalize(a))
	pb := splitPersonName(Normalize(b))
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if !strings.EqualFold(pa[i], pb[i]) {
			return false
		}
	}
	return true
}

func splitPersonName(v string) []string {
	// Only the alphabetic representation takes part in comparison.
	if i := strings.IndexByte(v, '='); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, "^")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
