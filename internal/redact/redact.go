// Package redact masks credentials in text headed for logs.
package redact

import "strings"

// Detection is one credential match in a string.
type Detection struct {
	PatternName string
	Start       int
	End         int
}

// Redactor finds and replaces credentials using pre-compiled patterns.
type Redactor struct {
	patterns []Pattern
}

func New() *Redactor {
	return &Redactor{patterns: DefaultPatterns()}
}

// Scan returns every credential match in text.
func (r *Redactor) Scan(text string) []Detection {
	var detections []Detection
	for _, p := range r.patterns {
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			detections = append(detections, Detection{
				PatternName: p.Name,
				Start:       loc[0],
				End:         loc[1],
			})
		}
	}
	return detections
}

// String replaces each match with a [REDACTED:<pattern>] marker.
func (r *Redactor) String(text string) string {
	for _, p := range r.patterns {
		text = p.Regex.ReplaceAllString(text, "[REDACTED:"+p.Name+"]")
	}
	return text
}

var std = New()

// String redacts text with the default patterns.
func String(text string) string { return std.String(text) }

// Mask hides all but the edges of a known secret.
func Mask(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) <= 12 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", 8) + secret[len(secret)-4:]
}
