package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAutoClose(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "balanced text untouched",
			in:   "This is **bold** more",
			want: "This is **bold** more",
		},
		{
			name: "unterminated bold",
			in:   "This is **bol",
			want: "This is **bol**",
		},
		{
			name: "unterminated italic",
			in:   "some *ital",
			want: "some *ital*",
		},
		{
			name: "unterminated inline code",
			in:   "run `go ve",
			want: "run `go ve`",
		},
		{
			name: "nested close in reverse order",
			in:   "**bold and *ital",
			want: "**bold and *ital***",
		},
		{
			name: "open fence closed on own line",
			in:   "```go\nfunc main() {",
			want: "```go\nfunc main() {\n```",
		},
		{
			name: "closed fence untouched",
			in:   "```\ncode\n```",
			want: "```\ncode\n```",
		},
		{
			name: "emphasis inside fence is literal",
			in:   "```\na * b\n```",
			want: "```\na * b\n```",
		},
		{
			name: "emphasis inside inline code is literal",
			in:   "`a*b`",
			want: "`a*b`",
		},
		{
			name: "list bullets are not emphasis",
			in:   "* one\n* two",
			want: "* one\n* two",
		},
		{
			name: "spaced asterisk is literal",
			in:   "2 * 3 = 6",
			want: "2 * 3 = 6",
		},
		{
			name: "trailing bare bold marker withheld",
			in:   "starting **",
			want: "starting ",
		},
		{
			name: "trailing bare italic marker withheld",
			in:   "a *",
			want: "a ",
		},
		{
			name: "trailing bare backtick withheld",
			in:   "run `",
			want: "run ",
		},
		{
			name: "trailing bare fence withheld",
			in:   "text\n```",
			want: "text\n",
		},
		{
			name: "headings and links untouched",
			in:   "# Title\n[link](http://x)",
			want: "# Title\n[link](http://x)",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, autoClose(tt.in))
		})
	}
}
