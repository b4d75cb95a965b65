// Package csvutil builds CSV documents that are safe to open in spreadsheet
// software. Fields starting with a formula trigger (= + - @) are quoted and
// prefixed with a tab so they are shown as text instead of being evaluated.
package csvutil

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	fieldSep = ","
	lineSep  = "\n"
)

var formulaPrefixes = []string{"=", "+", "-", "@"}

// EscapeField converts v to a single CSV field.
func EscapeField(v any) string {
	s := stringify(v)

	formula := needsFormulaEscape(s)
	if !formula && !strings.ContainsAny(s, ",\n\"") {
		return s
	}

	escaped := strings.ReplaceAll(s, `"`, `""`)
	if formula {
		return "\"\t" + escaped + "\""
	}
	return `"` + escaped + `"`
}

// BuildRow escapes every field and joins them with commas.
func BuildRow(fields []any) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = EscapeField(f)
	}
	return strings.Join(parts, fieldSep)
}

// BuildDocument renders the header row followed by each data row.
// There is no trailing newline.
func BuildDocument(headers []string, rows [][]any) string {
	lines := make([]string, 0, len(rows)+1)

	hdr := make([]any, len(headers))
	for i, h := range headers {
		hdr[i] = h
	}
	lines = append(lines, BuildRow(hdr))

	for _, row := range rows {
		lines = append(lines, BuildRow(row))
	}
	return strings.Join(lines, lineSep)
}

// Respond writes doc as a downloadable CSV attachment. The filename is used
// verbatim and must already be safe.
func Respond(w http.ResponseWriter, doc, filename string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func needsFormulaEscape(s string) bool {
	for _, p := range formulaPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	case *string:
		if t == nil {
			return ""
		}
		return *t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
