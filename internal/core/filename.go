package core

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// asciiFolding is stateful, so every call builds its own chain.
func asciiFolding() transform.Transformer {
	return transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
	)
}

// AllowedExtensions are the accepted upload extensions, compared case-insensitively.
var AllowedExtensions = []string{"png", "jpg", "jpeg", "gif"}

// AllowedFile reports whether filename has one of the AllowedExtensions.
func AllowedFile(filename string) bool {
	i := strings.LastIndex(filename, ".")
	if i < 0 {
		return false
	}
	ext := strings.ToLower(filename[i+1:])
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// secureFilename reduces name to a safe single path component: accents are folded to ASCII,
// path separators become spaces, runs of whitespace become underscores and everything outside
// [A-Za-z0-9_.-] is dropped.
func secureFilename(name string) string {
	folded, _, err := transform.String(asciiFolding(), name)
	if err != nil {
		folded = name
	}
	folded = strings.NewReplacer("/", " ", "\\", " ").Replace(folded)
	folded = strings.Join(strings.Fields(folded), "_")
	folded = unsafeFilenameChars.ReplaceAllString(folded, "")
	return strings.Trim(folded, "._")
}

// timestampPrefix formats t as UTC with microsecond precision, e.g. 20240501123045123456.
func timestampPrefix(t time.Time) string {
	t = t.UTC()
	return t.Format("20060102150405") + fmt.Sprintf("%06d", t.Nanosecond()/int(time.Microsecond))
}

func uploadFilename(t time.Time, original string) string {
	return secureFilename(timestampPrefix(t) + "_" + original)
}

func webcamFilename(t time.Time) string {
	return "webcam_" + timestampPrefix(t) + ".png"
}

// isPlainFilename rejects anything that could step outside the upload directory.
func isPlainFilename(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}
