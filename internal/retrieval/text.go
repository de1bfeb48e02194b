package retrieval

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// PlainText returns the visible text of s with markup removed and runs of
// whitespace collapsed. Script and style contents are dropped. Text that
// contains no markup comes back with only its whitespace normalized.
func PlainText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return strings.Join(strings.Fields(sb.String()), " ")
			}
			return strings.Join(strings.Fields(s), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isSkipped(name) {
				skip++
			}
			sb.WriteByte(' ')
		case html.EndTagToken:
			if name, _ := z.TagName(); isSkipped(name) && skip > 0 {
				skip--
			}
			sb.WriteByte(' ')
		case html.SelfClosingTagToken:
			sb.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

func isSkipped(tag []byte) bool {
	t := string(tag)
	return t == "script" || t == "style"
}
