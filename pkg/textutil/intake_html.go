// Package textutil normalizes message bodies.
package textutil

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	spaceRun     = regexp.MustCompile(`[^\S\n]+`)
	blankLineRun = regexp.MustCompile(`\n{3,}`)
	invisible    = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{2060}-\x{2064}]+`)
)

// HTMLToText converts an HTML body into readable plain text. Script, style
// and head content is dropped and block elements become line breaks.
func HTMLToText(html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, meta, link").Remove()
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := invisible.ReplaceAllString(doc.Text(), "")
	text = spaceRun.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	text = strings.Join(kept, "\n")
	text = blankLineRun.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text), nil
}

// BodyText prefers the plain part and derives one from HTML otherwise.
func BodyText(plain, html string) string {
	if strings.TrimSpace(plain) != "" {
		return plain
	}
	text, err := HTMLToText(html)
	if err != nil {
		return ""
	}
	return text
}

// Truncate cuts s to maxLen runes and appends "..." when it was cut.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
