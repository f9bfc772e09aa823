package qq

import (
	"strings"

	"satorigate/internal/satori"
)

// The platform embeds commands in angle brackets (<@id>, <emoji:n>) and
// escapes literal angle brackets and ampersands in text, the same three
// entities the unified markup uses.

var (
	qqTextEscaper   = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	qqTextUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")
)

// decodeContent converts a platform message body to unified markup.
// Mention embeds are lifted to at elements; embeds with no unified
// representation are dropped.
func decodeContent(content string) string {
	var b strings.Builder
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			b.WriteString(satori.Escape(qqTextUnescaper.Replace(text.String())))
			text.Reset()
		}
	}
	for {
		open := strings.IndexByte(content, '<')
		if open < 0 {
			text.WriteString(content)
			break
		}
		text.WriteString(content[:open])
		rest := content[open:]
		closing := strings.IndexByte(rest, '>')
		if closing < 0 {
			text.WriteString(rest)
			break
		}
		embed := rest[:closing+1]
		flush()
		if id, ok := mentionID(embed); ok {
			b.WriteString(satori.At(id))
		}
		content = rest[closing+1:]
	}
	flush()
	return b.String()
}

// mentionID extracts the user id from a <@id> or <@!id> embed.
func mentionID(embed string) (string, bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(embed, "<"), ">")
	if id, ok := strings.CutPrefix(inner, "@!"); ok && id != "" {
		return id, true
	}
	if id, ok := strings.CutPrefix(inner, "@"); ok && id != "" {
		return id, true
	}
	return "", false
}

// encodeContent converts parsed unified markup to the platform's text form
// and collects image sources for separate media handling. The platform has
// no working at-all, so all-mentions degrade to literal text.
func encodeContent(nodes []*satori.Node) (text string, imageSrcs []string) {
	var b strings.Builder
	for _, node := range nodes {
		switch {
		case node.IsText():
			b.WriteString(qqTextEscaper.Replace(node.Text))
		case node.Type == "at":
			if node.Attr("type") == "all" {
				b.WriteString("@全体成员")
			} else if id := node.Attr("id"); id != "" {
				b.WriteString("<@" + qqTextEscaper.Replace(id) + ">")
			}
		case node.Type == "img":
			if src := node.Attr("src"); src != "" {
				imageSrcs = append(imageSrcs, src)
			}
		}
	}
	return b.String(), imageSrcs
}
