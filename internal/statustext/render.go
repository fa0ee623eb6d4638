package statustext

import (
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	nethtml "golang.org/x/net/html"
)

var spacesBeforeNewline = regexp.MustCompile(` +\n`)

var stripPolicy = bluemonday.StrictPolicy()

// RenderHTML converts a status body to plain text. Paragraphs and line
// breaks become newlines; markup is dropped.
func RenderHTML(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return collapseSpaces(html.UnescapeString(stripPolicy.Sanitize(body)))
	}

	doc.Find("br").Each(func(_ int, br *goquery.Selection) {
		br.ReplaceWithNodes(&nethtml.Node{Type: nethtml.TextNode, Data: "\n"})
	})

	var b strings.Builder
	paragraphs := doc.Find("p")
	if paragraphs.Length() == 0 {
		b.WriteString(doc.Find("body").Text())
	} else {
		paragraphs.Each(func(_ int, p *goquery.Selection) {
			b.WriteString(p.Text())
			b.WriteString("\n")
		})
	}

	return collapseSpaces(strings.TrimRight(b.String(), "\n"))
}

func collapseSpaces(text string) string {
	return spacesBeforeNewline.ReplaceAllString(text, "\n")
}
