package carbon

import (
	"strings"
)

// deleted never survives sanitizing: graphite expressions cannot address
// paths containing them.
const deleted = "(){}[]!\"#$%&'*+<=>?@\\^`|~\t\n\r\v\f"

// Inside an element a dot would start a new directory in whisper, so it
// becomes a dash; the other separators become underscores.
var elementReplacer = strings.NewReplacer(
	".", "-",
	" ", "_",
	",", "_",
	"/", "_",
	":", "_",
	";", "_",
)

func sanitizeElement(elem string) string {
	elem = strings.Map(func(r rune) rune {
		if strings.ContainsRune(deleted, r) {
			return -1
		}
		return r
	}, elem)
	return elementReplacer.Replace(elem)
}

// Sanitize turns path elements into a dotted metric path. Each element is
// cleaned on its own, so a dot inside an app name never splits the path.
func Sanitize(elems []string) string {
	out := make([]string, len(elems))
	for i, elem := range elems {
		out[i] = sanitizeElement(elem)
	}
	return strings.Join(out, ".")
}

// SanitizeDotted cleans an already joined path. The dots are taken as
// element boundaries, so SanitizeDotted(strings.Join(e, ".")) equals
// Sanitize(e) whenever no element contains a dot, and
// SanitizeDotted(SanitizeDotted(p)) == SanitizeDotted(p) for every p.
func SanitizeDotted(path string) string {
	return Sanitize(strings.Split(path, "."))
}
