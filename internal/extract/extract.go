// Package extract pulls links and message text out of fetched HTML.
package extract

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html/charset"
)

// DefaultMessageSelector matches one message body on a channel preview page.
const DefaultMessageSelector = ".tgme_widget_message_text"

var (
	breakRe    = regexp.MustCompile(`(?i)<br\s*/?>`)
	blankRunRe = regexp.MustCompile(`[ \t\f\v]+`)

	strictOnce sync.Once
	strict     *bluemonday.Policy
)

func strictPolicy() *bluemonday.Policy {
	strictOnce.Do(func() {
		strict = bluemonday.StrictPolicy()
	})
	return strict
}

// Decode converts body to UTF-8 using the declared content type and any
// <meta charset> hint. Undecodable input that is already valid UTF-8 is
// returned unchanged.
func Decode(body []byte, contentType string) ([]byte, error) {
	enc, _, _ := charset.DetermineEncoding(body, contentType)
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		if utf8.Valid(body) {
			return body, nil
		}
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return out, nil
}

// Links returns the href of every element matching selector, in document
// order. When prefix is non-empty, links not starting with it are dropped.
func Links(body []byte, selector, prefix string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if selector == "" {
		selector = "a[href]"
	}
	var links []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		if prefix != "" && !strings.HasPrefix(href, prefix) {
			return
		}
		links = append(links, href)
	})
	return links, nil
}

// TextUnits returns the plain text of every element matching selector, one
// unit per element, in document order. Markup is stripped, <br> becomes a
// newline and empty units are skipped.
func TextUnits(body []byte, selector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if selector == "" {
		selector = DefaultMessageSelector
	}
	var units []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		inner, err := s.Html()
		if err != nil {
			return
		}
		if text := PlainText(inner); text != "" {
			units = append(units, text)
		}
	})
	return units, nil
}

// PlainText strips all markup from an HTML fragment and unescapes entities.
func PlainText(fragment string) string {
	withBreaks := breakRe.ReplaceAllString(fragment, "\n")
	text := html.UnescapeString(strictPolicy().Sanitize(withBreaks))
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(blankRunRe.ReplaceAllString(line, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
