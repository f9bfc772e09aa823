package satori

import (
	"strconv"
	"strings"
)

// Node is a single item of parsed unified markup: either a plain-text run
// (Type is empty, Text holds the decoded text) or a typed element with
// attributes and child nodes. Unknown element types are kept as generic
// elements so encoders can skip what they don't understand.
type Node struct {
	Text     string
	Type     string
	Attrs    map[string]string
	Children []*Node
}

// IsText reports whether the node is a plain-text run.
func (n *Node) IsText() bool { return n.Type == "" }

// Attr returns the named attribute value, or "" when absent.
func (n *Node) Attr(name string) string {
	if n.Attrs == nil {
		return ""
	}
	return n.Attrs[name]
}

// Parse scans unified markup into an ordered node sequence. An open tag
// pushes a new element frame, text between tags accumulates as text runs with
// entities decoded, and a closing tag pops back to the parent. An
// unterminated tag is treated as literal text rather than an error.
func Parse(text string) []*Node {
	root := &Node{}
	stack := []*Node{root}
	var buf strings.Builder

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		top := stack[len(stack)-1]
		top.Children = append(top.Children, &Node{Text: Unescape(buf.String())})
		buf.Reset()
	}

	i := 0
	for i < len(text) {
		c := text[i]
		if c != '<' {
			buf.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(text[i:], '>')
		if end < 0 {
			buf.WriteString(text[i:])
			break
		}
		tag := strings.TrimSpace(text[i+1 : i+end])
		i += end + 1

		if strings.HasPrefix(tag, "/") {
			flush()
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		selfClosing := strings.HasSuffix(tag, "/")
		if selfClosing {
			tag = strings.TrimSpace(strings.TrimSuffix(tag, "/"))
		}
		flush()
		el := parseTag(tag)
		top := stack[len(stack)-1]
		top.Children = append(top.Children, el)
		if !selfClosing {
			stack = append(stack, el)
		}
	}
	flush()
	return root.Children
}

// parseTag splits "name key="value" key2" into an element node.
func parseTag(s string) *Node {
	n := &Node{Attrs: map[string]string{}}
	i := 0
	skipSpaces := func() {
		for i < len(s) && s[i] == ' ' {
			i++
		}
	}

	start := i
	for i < len(s) && s[i] != ' ' {
		i++
	}
	n.Type = s[start:i]

	for {
		skipSpaces()
		if i >= len(s) {
			break
		}
		keyStart := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' {
			i++
		}
		key := s[keyStart:i]
		if key == "" {
			i++
			continue
		}
		if i >= len(s) || s[i] != '=' {
			n.Attrs[key] = ""
			continue
		}
		i++ // consume '='
		var val string
		if i < len(s) && (s[i] == '"' || s[i] == '\'') {
			quote := s[i]
			i++
			valStart := i
			for i < len(s) && s[i] != quote {
				i++
			}
			val = s[valStart:i]
			if i < len(s) {
				i++ // consume closing quote
			}
		} else {
			valStart := i
			for i < len(s) && s[i] != ' ' {
				i++
			}
			val = s[valStart:i]
		}
		n.Attrs[key] = Unescape(val)
	}
	return n
}

var plainEscaper = strings.NewReplacer(
	"&", "&amp;",
	"\"", "&quot;",
	"<", "&lt;",
	">", "&gt;",
)

// Escape converts raw platform text to a unified plain-text run, replacing
// the four reserved characters with their entity forms.
func Escape(s string) string {
	return plainEscaper.Replace(s)
}

// Unescape decodes the named entities produced by Escape plus numeric
// character references. Unknown entities pass through unchanged.
func Unescape(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '&' {
			b.WriteByte(s[i])
			i++
			continue
		}
		semi := strings.IndexByte(s[i:], ';')
		if semi < 0 || semi > 8 {
			b.WriteByte('&')
			i++
			continue
		}
		ent := s[i+1 : i+semi]
		switch {
		case ent == "quot":
			b.WriteByte('"')
		case ent == "amp":
			b.WriteByte('&')
		case ent == "lt":
			b.WriteByte('<')
		case ent == "gt":
			b.WriteByte('>')
		case strings.HasPrefix(ent, "#"):
			if code, err := strconv.Atoi(ent[1:]); err == nil && code >= 0 {
				b.WriteRune(rune(code))
			} else {
				b.WriteString(s[i : i+semi+1])
			}
		default:
			b.WriteString(s[i : i+semi+1])
		}
		i += semi + 1
	}
	return b.String()
}

// At returns the unified markup for a user mention.
func At(id string) string {
	return `<at id="` + Escape(id) + `"/>`
}

// AtAll returns the unified markup for an everyone mention.
func AtAll() string {
	return `<at type="all"/>`
}

// Img returns the unified markup for an inline image.
func Img(src string) string {
	return `<img src="` + Escape(src) + `"/>`
}
