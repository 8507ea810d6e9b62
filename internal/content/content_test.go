package content

import (
	"errors"
	"strings"
	"testing"

	"courier/internal/models"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		contains    []string
		notContains []string
	}{
		{"Emphasis", "**hi** there", []string{"<strong>hi</strong>"}, nil},
		{"Code", "`x := 1`", []string{"<code>x := 1</code>"}, nil},
		{"Raw script dropped", "<script>alert(1)</script>\n\nhello", []string{"hello"}, []string{"<script", "alert(1)"}},
		{"Javascript link", "[click](javascript:alert(1))", []string{"click"}, []string{"javascript:"}},
		{"Strikethrough", "~~gone~~", []string{"<del>gone</del>"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.input)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("Render() = %q, want it to contain %q", got, want)
				}
			}
			for _, bad := range tt.notContains {
				if strings.Contains(got, bad) {
					t.Errorf("Render() = %q, must not contain %q", got, bad)
				}
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		max     int
		want    string
		wantErr bool
	}{
		{"Trimmed", "  hi  ", 10, "hi", false},
		{"Empty", "", 10, "", true},
		{"Whitespace only", " \n\t ", 10, "", true},
		{"At limit", "héllo", 5, "héllo", false},
		{"Over limit", "héllo!", 5, "", true},
		{"No limit", strings.Repeat("a", 10000), 0, strings.Repeat("a", 10000), false},
		{"Invalid UTF-8", "a\xffb", 10, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input, tt.max)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, models.ErrInvalidContent) {
				t.Errorf("Normalize() error = %v, want ErrInvalidContent", err)
			}
			if got != tt.want {
				t.Errorf("Normalize() = %q, want %q", got, tt.want)
			}
		})
	}
}
