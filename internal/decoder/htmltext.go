package decoder

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlText converts HTML bodies to clean plain text for the excerpt.
type htmlText struct {
	spaceRegex     *regexp.Regexp
	newlineRegex   *regexp.Regexp
	invisibleRegex *regexp.Regexp
}

func newHTMLText() *htmlText {
	return &htmlText{
		spaceRegex:   regexp.MustCompile(`[^\S\n]+`),
		newlineRegex: regexp.MustCompile(`\n{3,}`),
		// Zero-width and other invisible Unicode characters common in
		// marketing mail.
		invisibleRegex: regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{2060}-\x{2064}\x{206A}-\x{206F}]+`),
	}
}

// Parse converts HTML to plain text
func (p *htmlText) Parse(html string) (string, error) {
	if html == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, meta, link").Remove()

	// Block elements separate lines in the text rendering
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(i int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := doc.Text()
	text = p.invisibleRegex.ReplaceAllString(text, "")
	text = p.spaceRegex.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	cleaned := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	text = strings.Join(cleaned, "\n")
	text = p.newlineRegex.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text), nil
}
