package parser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/workflowkit/chatstream/pkg/models"
)

func TestParseBuffer(t *testing.T) {
	tests := []struct {
		name  string
		buf   string
		final bool
		want  []models.Part
	}{
		{
			name: "plain prose",
			buf:  "just text",
			want: []models.Part{models.TextPart{Text: "just text"}},
		},
		{
			name: "complete span between prose",
			buf:  `before <suggestions>{"questions":[]}</suggestions> after`,
			want: []models.Part{
				models.TextPart{Text: "before "},
				models.StructuredPart{Kind: models.KindSuggestions, Payload: json.RawMessage(`{"questions":[]}`)},
				models.TextPart{Text: " after"},
			},
		},
		{
			name: "payload whitespace trimmed",
			buf:  "<file>\n  {\"name\":\"a.txt\"}\n</file>",
			want: []models.Part{
				models.StructuredPart{Kind: models.KindFile, Payload: json.RawMessage(`{"name":"a.txt"}`)},
			},
		},
		{
			name: "two spans back to back",
			buf:  `<sources>{"nodes":[]}</sources><artifact>{"id":"a1"}</artifact>`,
			want: []models.Part{
				models.StructuredPart{Kind: models.KindSources, Payload: json.RawMessage(`{"nodes":[]}`)},
				models.StructuredPart{Kind: models.KindArtifact, Payload: json.RawMessage(`{"id":"a1"}`)},
			},
		},
		{
			name: "invalid json span falls back to literal text",
			buf:  `x <sources>not json</sources> y`,
			want: []models.Part{models.TextPart{Text: "x <sources>not json</sources> y"}},
		},
		{
			name: "open span withheld live",
			buf:  `lead <status_event>{"stage":`,
			want: []models.Part{models.TextPart{Text: "lead "}},
		},
		{
			name:  "open span flushed literal on final",
			buf:   `lead <status_event>{"stage":`,
			final: true,
			want:  []models.Part{models.TextPart{Text: `lead <status_event>{"stage":`}},
		},
		{
			name: "trailing tag fragment withheld live",
			buf:  "almost <sour",
			want: []models.Part{models.TextPart{Text: "almost "}},
		},
		{
			name:  "trailing tag fragment kept on final",
			buf:   "almost <sour",
			final: true,
			want:  []models.Part{models.TextPart{Text: "almost <sour"}},
		},
		{
			name: "ordinary angle bracket is prose",
			buf:  "a < b and x <y>",
			want: []models.Part{models.TextPart{Text: "a < b and x <y>"}},
		},
		{
			name: "empty buffer",
			buf:  "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseBuffer(tt.buf, tt.final))
		})
	}
}

func TestFindOpenTagPicksEarliest(t *testing.T) {
	m := findOpenTag("a <file>x</file> then <sources>")
	assert.NotNil(t, m)
	assert.Equal(t, "file", m.tag)
	assert.Equal(t, 2, m.start)
}
