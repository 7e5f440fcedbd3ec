package render

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
)

// Result describes how a paragraph should be sent to Telegram
type Result struct {
	Text         string
	FallbackText string
	UseHTML      bool
}

// Paragraph renders one paragraph of a reply. Text is Telegram HTML and
// FallbackText is the untouched input for when Telegram rejects the markup.
func Paragraph(text string) Result {
	rendered := MarkdownToTelegramHTML(text)
	return Result{
		Text:         rendered,
		FallbackText: text,
		UseHTML:      rendered != html.EscapeString(text) || strings.ContainsAny(text, "<>&"),
	}
}

var (
	codeSpanRe = regexp.MustCompile("`([^`\n]+)`")
	linkRe     = regexp.MustCompile(`\[([^\[\]\n]+)\]\((https?://[^\s()]+(?:\([^\s()]*\)[^\s()]*)*)\)`)

	boldItalicRe = regexp.MustCompile(`\*\*\*([^*\n]+?)\*\*\*`)
	boldStarRe   = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	boldUndRe    = regexp.MustCompile(`__([^_\n]+?)__`)
	strikeRe     = regexp.MustCompile(`~~([^~\n]+?)~~`)
	italicStarRe = regexp.MustCompile(`\*([^*\s][^*\n]*?)\*`)
	// underscores inside words (snake_case) are left alone
	italicUndRe = regexp.MustCompile(`(^|[^\p{L}\p{N}_])_([^_\n]+?)_($|[^\p{L}\p{N}_])`)

	headingRe = regexp.MustCompile(`^\s{0,3}(#{1,6})\s+(.+?)\s*#*\s*$`)
	bulletRe  = regexp.MustCompile(`^(\s*)[-*+]\s+(.*)$`)

	placeholderRe = regexp.MustCompile("\x00([0-9]+)\x00")
)

// MarkdownToTelegramHTML converts a conservative markdown subset to Telegram HTML
func MarkdownToTelegramHTML(input string) string {
	if input == "" {
		return ""
	}

	input = strings.ReplaceAll(input, "\r\n", "\n")
	lines := strings.Split(input, "\n")
	rendered := make([]string, 0, len(lines))

	inFence := false
	var fenceLines []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inFence {
				rendered = append(rendered, renderFenceBlock(fenceLines))
				fenceLines = nil
			}
			inFence = !inFence
			continue
		}
		if inFence {
			fenceLines = append(fenceLines, line)
			continue
		}
		rendered = append(rendered, renderLine(line))
	}
	// An unterminated fence still renders as code
	if inFence {
		rendered = append(rendered, renderFenceBlock(fenceLines))
	}

	return strings.Join(rendered, "\n")
}

func renderLine(line string) string {
	if m := headingRe.FindStringSubmatch(line); m != nil {
		return "<b>" + renderInline(m[2]) + "</b>"
	}
	if m := bulletRe.FindStringSubmatch(line); m != nil {
		return m[1] + "• " + renderInline(m[2])
	}
	return renderInline(line)
}

// renderInline swaps code spans and links for placeholders, escapes the
// rest, applies emphasis and then restores the placeholders.
func renderInline(line string) string {
	if line == "" {
		return ""
	}

	var fragments []string
	stash := func(fragment string) string {
		fragments = append(fragments, fragment)
		return fmt.Sprintf("\x00%d\x00", len(fragments)-1)
	}

	line = codeSpanRe.ReplaceAllStringFunc(line, func(m string) string {
		code := codeSpanRe.FindStringSubmatch(m)[1]
		return stash("<code>" + html.EscapeString(code) + "</code>")
	})
	line = linkRe.ReplaceAllStringFunc(line, func(m string) string {
		parts := linkRe.FindStringSubmatch(m)
		return stash(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(parts[2]), html.EscapeString(parts[1])))
	})

	text := applyFormatting(html.EscapeString(line))

	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		idx, err := strconv.Atoi(strings.Trim(m, "\x00"))
		if err != nil || idx >= len(fragments) {
			return m
		}
		return fragments[idx]
	})
}

// applyFormatting applies emphasis to already escaped text
func applyFormatting(text string) string {
	text = boldItalicRe.ReplaceAllString(text, "<b><i>$1</i></b>")
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUndRe.ReplaceAllString(text, "<b>$1</b>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = italicStarRe.ReplaceAllString(text, "<i>$1</i>")
	text = italicUndRe.ReplaceAllString(text, "$1<i>$2</i>$3")
	return text
}

func renderFenceBlock(lines []string) string {
	return "<pre><code>" + html.EscapeString(strings.Join(lines, "\n")) + "</code></pre>"
}
