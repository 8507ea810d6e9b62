// Package content normalizes message bodies and renders them to safe HTML.
package content

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"courier/internal/models"
)

var (
	policy = bluemonday.UGCPolicy()

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
)

// Sanitize removes unsafe HTML from the input string using the UGC policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts markdown to HTML. Raw HTML in the source is dropped by the
// renderer and the result is sanitized again before it leaves the package.
func Render(source string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return string(policy.SanitizeBytes(buf.Bytes())), nil
}

// Normalize trims the body and checks it is non-empty and at most maxRunes long.
// A non-positive maxRunes disables the length check.
func Normalize(body string, maxRunes int) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("%w: message is empty", models.ErrInvalidContent)
	}
	if !utf8.ValidString(body) {
		return "", fmt.Errorf("%w: message is not valid UTF-8", models.ErrInvalidContent)
	}
	if maxRunes > 0 && utf8.RuneCountInString(body) > maxRunes {
		return "", fmt.Errorf("%w: message exceeds %d characters", models.ErrInvalidContent, maxRunes)
	}
	return body, nil
}
