package fetch

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MaxTextRunes caps the page text handed to extraction.
const MaxTextRunes = 50_000

// mountPoints are the empty containers single-page apps render into.
var mountPoints = []string{"#root", "#app", "#__next", "#__nuxt"}

// HTMLToText extracts the visible text of an HTML document. Link targets are
// kept inline after their text so ticket URLs survive. looksEmpty reports an
// SPA mount point with nothing rendered into it.
func HTMLToText(html string) (text string, looksEmpty bool, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false, err
	}
	doc.Find("script, style, noscript, template, svg, iframe").Remove()

	for _, sel := range mountPoints {
		if m := doc.Find(sel); m.Length() > 0 && strings.TrimSpace(m.Text()) == "" {
			looksEmpty = true
		}
	}

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		label := strings.TrimSpace(a.Text())
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		a.SetText(label + " (" + href + ")")
	})

	var lines []string
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	blocks := "p, div, li, tr, h1, h2, h3, h4, h5, h6, br, section, article"
	body.Find(blocks).Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})
	for _, line := range strings.Split(body.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return truncateRunes(strings.Join(lines, "\n"), MaxTextRunes), looksEmpty, nil
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
