// Package extract pulls links and regex matches out of crawled HTML.
package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

var skippedSchemes = []string{"javascript:", "mailto:", "tel:", "sms:", "ftp:", "data:"}

// Extractor parses HTML with goquery.
type Extractor struct {
	logger *zap.Logger
}

// New creates an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// ExtractLinks returns the absolute http(s) targets of every a[href] in html,
// resolved against baseURL, fragments removed, in document order without
// duplicates.
func (e *Extractor) ExtractLinks(baseURL string, html string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		e.logger.Debug("unparseable base url", zap.String("url", baseURL), zap.Error(err))
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		e.logger.Debug("parse html for links", zap.String("url", baseURL), zap.Error(err))
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if skipLink(href) {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

// ExtractData returns every match of pattern in the visible text of html.
func (e *Extractor) ExtractData(pattern *regexp.Regexp, html string) []string {
	if pattern == nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		e.logger.Debug("parse html for data", zap.Error(err))
		return pattern.FindAllString(html, -1)
	}
	doc.Find("script, style, noscript").Remove()
	return pattern.FindAllString(doc.Text(), -1)
}

func skipLink(href string) bool {
	href = strings.ToLower(strings.TrimSpace(href))
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(href, scheme) {
			return true
		}
	}
	return false
}
