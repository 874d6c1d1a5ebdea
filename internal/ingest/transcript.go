package ingest

import (
	"bytes"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// loadTranscript returns the transcript text for videoID, or "" when none
// exists. A .txt file wins over an .html page.
func loadTranscript(dir, videoID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, videoID+".txt"))
	if err == nil {
		return normalizeSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	data, err = os.ReadFile(filepath.Join(dir, videoID+".html"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return htmlText(data, videoID), nil
}

// htmlText extracts the readable text of a transcript page, falling back to
// plain tag stripping when readability finds nothing.
func htmlText(data []byte, videoID string) string {
	pageURL, _ := url.Parse("https://www.youtube.com/watch?v=" + url.QueryEscape(videoID))
	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err == nil {
		if text := normalizeSpace(article.TextContent); text != "" {
			return text
		}
	}
	return stripHTML(string(data))
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}

	s := result.String()
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	return normalizeSpace(s)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
