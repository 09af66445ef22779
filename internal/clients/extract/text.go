package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// maxTextChars bounds extracted text so pathological documents cannot
// balloon summaries or job records.
const maxTextChars = 50000

var pdfMagic = []byte("%PDF-")

// Text extracts a title and readable body text from the document based
// on its content type. The title is empty when the format carries none.
func (d *Document) Text() (title, text string, err error) {
	switch {
	case isPDF(d.ContentType, d.Body):
		text, err = pdfText(d.Body)
		return "", text, err
	case strings.Contains(d.ContentType, "text/html"), strings.Contains(d.ContentType, "application/xhtml"):
		return htmlText(d.Body)
	default:
		return "", collapseWhitespace(string(d.Body)), nil
	}
}

func isPDF(contentType string, body []byte) bool {
	return strings.Contains(contentType, "application/pdf") || bytes.HasPrefix(body, pdfMagic)
}

// pdfText extracts plain text from a PDF, page by page. Pages that fail
// to decode are skipped rather than failing the whole document.
func pdfText(body []byte) (text string, err error) {
	// The pdf parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("unparseable pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", fmt.Errorf("unparseable pdf: %w", err)
	}

	var builder strings.Builder
	numPages := reader.NumPage()
	for pageIndex := 1; pageIndex <= numPages; pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}

		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}

		builder.WriteString(pageText)
		builder.WriteString("\n")

		if builder.Len() > maxTextChars {
			break
		}
	}

	text = collapseWhitespace(builder.String())
	if len(text) > maxTextChars {
		text = text[:maxTextChars]
	}
	return text, nil
}

// htmlText parses the document and collects the page title plus the
// visible text, skipping script, style and other non-content elements.
func htmlText(body []byte) (title, text string, err error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("unparseable html: %w", err)
	}

	skipped := map[string]bool{
		"script":   true,
		"style":    true,
		"noscript": true,
		"template": true,
		"svg":      true,
	}

	var builder strings.Builder
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Data == "title" {
				if title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
			if skipped[n.Data] {
				return
			}
		}
		if n.Type == html.TextNode {
			builder.WriteString(n.Data)
			builder.WriteString(" ")
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			traverse(child)
		}
	}
	traverse(doc)

	text = collapseWhitespace(builder.String())
	if len(text) > maxTextChars {
		text = text[:maxTextChars]
	}
	return title, text, nil
}

// collapseWhitespace squeezes runs of whitespace into single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
