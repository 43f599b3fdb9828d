package campaigns

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"unicode"
)

// NormalizeAddress keeps only the digits of a phone number.
func NormalizeAddress(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseAddresses normalizes each entry and drops the ones left empty.
// Entries may themselves hold several numbers separated by commas, semicolons or newlines.
func ParseAddresses(list []string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		for _, part := range strings.FieldsFunc(item, func(r rune) bool {
			return r == ',' || r == ';' || unicode.IsSpace(r) && r != ' '
		}) {
			if n := NormalizeAddress(part); n != "" {
				out = append(out, n)
			}
		}
	}
	return out
}

// ParseCSV reads the first column of every row. Header rows and blanks normalize
// to nothing and are skipped.
func ParseCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var out []string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if len(rec) == 0 {
			continue
		}
		if n := NormalizeAddress(rec[0]); n != "" {
			out = append(out, n)
		}
	}
}
