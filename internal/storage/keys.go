package storage

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// assetKey derives the server-side asset name for an upload from the
// client-supplied file name. The name is NFKC-normalised and stripped down to
// a filesystem-safe subset, a millisecond timestamp guarantees uniqueness,
// and the original extension is preserved so downstream tooling can sniff the
// container format.
func assetKey(fileName string, now time.Time) string {
	base := filepath.Base(strings.TrimSpace(fileName))
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	stem = sanitizeAssetName(stem)
	if stem == "" {
		stem = "upload"
	}
	ext = sanitizeExtension(ext)

	return stem + "-" + strconv.FormatInt(now.UnixMilli(), 10) + ext
}

func sanitizeAssetName(name string) string {
	normalised := norm.NFKC.String(name)
	var b strings.Builder
	for _, r := range normalised {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

func sanitizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || ext == "." {
		return ""
	}
	for _, r := range ext[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return ""
		}
	}
	return ext
}
