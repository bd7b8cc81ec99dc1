package channels

import (
	"regexp"
	"strings"
)

var mdImage = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)

// SplitMarkdown separates the embedded images of a markdown reply from its
// text. Image links are removed from the text; the remaining text is trimmed
// and blank-line collapsed. Channels without markdown rendering send the text
// followed by one media send per URL.
func SplitMarkdown(md string) (text string, images []string) {
	for _, m := range mdImage.FindAllStringSubmatch(md, -1) {
		images = append(images, m[2])
	}
	text = mdImage.ReplaceAllString(md, "")

	lines := strings.Split(text, "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n")), images
}
