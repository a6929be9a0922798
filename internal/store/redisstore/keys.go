package redisstore

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// maxFieldValueLen bounds the raw value embedded in a field key; longer
// values are replaced by their hash.
const maxFieldValueLen = 64

// entityKey holds the JSON document of one entity.
func entityKey(ns, id string) string {
	return ns + ":ent:" + id
}

// fieldKey holds the set of ids whose field equals value.
func fieldKey(ns, field, value string) string {
	if len(value) > maxFieldValueLen {
		value = fmt.Sprintf("h:%016x", xxhash.Sum64String(value))
	}
	return ns + ":idx:" + field + ":" + value
}

// sanitizeNamespace maps whitespace runs to '_' and any other rune outside
// [A-Za-z0-9:_-] to '-'.
func sanitizeNamespace(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "geocell"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isASCIIWhitespace(r):
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isASCIIWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
