package parser

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

const defaultMaxLinks = 500

var skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:"}

// HTMLExtractor finds anchor and area targets in HTML documents.
type HTMLExtractor struct {
	maxLinks int
}

// NewHTMLExtractor returns an extractor keeping at most maxLinks distinct
// links per document (500 when maxLinks <= 0).
func NewHTMLExtractor(maxLinks int) *HTMLExtractor {
	if maxLinks <= 0 {
		maxLinks = defaultMaxLinks
	}
	return &HTMLExtractor{maxLinks: maxLinks}
}

// ExtractLinks implements crawler.LinkExtractor. Links are resolved against
// the document's <base href> when present, otherwise against base, and
// returned normalized in document order without duplicates.
func (e *HTMLExtractor) ExtractLinks(_ context.Context, base string, content []byte) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if declared, err := baseURL.Parse(strings.TrimSpace(href)); err == nil {
			baseURL = declared
		}
	}

	seen := make(map[string]struct{})
	links := make([]string, 0)
	doc.Find("a[href], area[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || skipped(href) {
			return true
		}
		target, err := baseURL.Parse(href)
		if err != nil {
			return true
		}
		normalized, err := crawler.NormalizeURL(target.String())
		if err != nil {
			return true
		}
		if _, dup := seen[normalized]; dup {
			return true
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
		return len(links) < e.maxLinks
	})
	return links, nil
}

func skipped(href string) bool {
	lower := strings.ToLower(href)
	for _, prefix := range skippedSchemes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
