package onebot

import (
	"regexp"
	"strings"

	"satorigate/internal/satori"
)

// CQ codes are the protocol's inline command syntax, e.g. [CQ:at,qq=42].
// Plain text escapes & [ ]; parameter values additionally escape commas.

var cqCodeRe = regexp.MustCompile(`\[CQ:([a-zA-Z_-]+)((?:,[^\[\],=]+=[^\[\],]*)*)\]`)

var (
	cqTextEscaper    = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;")
	cqValueEscaper   = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;", ",", "&#44;")
	cqTextUnescaper  = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&amp;", "&")
	cqValueUnescaper = strings.NewReplacer("&#44;", ",", "&#91;", "[", "&#93;", "]", "&amp;", "&")
)

// decodeMessage converts a raw CQ message to unified markup. Mentions and
// images are lifted to elements; CQ codes with no unified representation
// are dropped.
func decodeMessage(raw string) string {
	var b strings.Builder
	last := 0
	for _, m := range cqCodeRe.FindAllStringSubmatchIndex(raw, -1) {
		b.WriteString(satori.Escape(cqTextUnescaper.Replace(raw[last:m[0]])))
		name := raw[m[2]:m[3]]
		params := parseCQParams(raw[m[4]:m[5]])
		switch name {
		case "at":
			if qq := params["qq"]; qq == "all" {
				b.WriteString(satori.AtAll())
			} else if qq != "" {
				b.WriteString(satori.At(qq))
			}
		case "image":
			src := params["url"]
			if src == "" {
				src = params["file"]
			}
			if src != "" {
				b.WriteString(satori.Img(src))
			}
		}
		last = m[1]
	}
	b.WriteString(satori.Escape(cqTextUnescaper.Replace(raw[last:])))
	return b.String()
}

func parseCQParams(s string) map[string]string {
	params := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		params[key] = cqValueUnescaper.Replace(value)
	}
	return params
}

// encodeMessage converts parsed unified markup to one CQ message string.
// The protocol allows inline codes mid-text, so the whole content becomes
// a single outbound segment.
func encodeMessage(nodes []*satori.Node) string {
	var b strings.Builder
	for _, node := range nodes {
		switch {
		case node.IsText():
			b.WriteString(cqTextEscaper.Replace(node.Text))
		case node.Type == "at":
			if node.Attr("type") == "all" {
				b.WriteString("[CQ:at,qq=all]")
			} else if id := node.Attr("id"); id != "" {
				b.WriteString("[CQ:at,qq=" + cqValueEscaper.Replace(id) + "]")
			}
		case node.Type == "img":
			if src := node.Attr("src"); src != "" {
				b.WriteString("[CQ:image,file=" + cqValueEscaper.Replace(src) + "]")
			}
		}
	}
	return b.String()
}

func cutGroupPrefix(id string) (string, bool) {
	return strings.CutPrefix(id, "GROUP_")
}
