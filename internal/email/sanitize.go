package email

import (
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements removed together with everything inside them.
var dropWithContent = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Applet:   true,
	atom.Frameset: true,
	atom.Noscript: true,
	atom.Template: true,
}

// Elements removed while their children are kept.
var dropTag = map[atom.Atom]bool{
	atom.Embed:  true,
	atom.Frame:  true,
	atom.Base:   true,
	atom.Meta:   true,
	atom.Link:   true,
	atom.Form:   true,
	atom.Input:  true,
	atom.Button: true,
}

var urlAttrs = map[string]bool{
	"href":       true,
	"src":        true,
	"action":     true,
	"formaction": true,
	"background": true,
	"poster":     true,
	"cite":       true,
	"longdesc":   true,
	"lowsrc":     true,
	"dynsrc":     true,
	"data":       true,
	"xlink:href": true,
}

var safeDataImages = []string{
	"data:image/png",
	"data:image/gif",
	"data:image/jpeg",
	"data:image/jpg",
	"data:image/webp",
}

// sanitizeHTML strips script-executing constructs from an HTML body:
// active elements, event handler attributes, srcdoc and script or data
// URLs. Comments are dropped too, conditional comments included.
func sanitizeHTML(src string) (string, error) {
	z := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder

	var skip atom.Atom
	depth := 0
	inRaw := false

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return "", err
			}
			return b.String(), nil
		}
		tok := z.Token()

		if skip != 0 {
			switch {
			case tt == html.StartTagToken && tok.DataAtom == skip:
				depth++
			case tt == html.EndTagToken && tok.DataAtom == skip:
				depth--
				if depth == 0 {
					skip = 0
				}
			}
			continue
		}

		switch tt {
		case html.CommentToken:
			continue
		case html.TextToken:
			if inRaw {
				b.WriteString(tok.Data)
			} else {
				b.WriteString(html.EscapeString(tok.Data))
			}
			continue
		case html.StartTagToken:
			if dropWithContent[tok.DataAtom] {
				skip, depth = tok.DataAtom, 1
				continue
			}
		case html.SelfClosingTagToken:
			if dropWithContent[tok.DataAtom] {
				continue
			}
		case html.EndTagToken:
			if dropWithContent[tok.DataAtom] {
				continue
			}
		}

		if dropTag[tok.DataAtom] {
			continue
		}
		if tt == html.StartTagToken || tt == html.SelfClosingTagToken {
			tok.Attr = cleanAttrs(tok.Attr)
		}
		switch {
		case tt == html.StartTagToken && tok.DataAtom == atom.Style:
			inRaw = true
		case tt == html.EndTagToken && tok.DataAtom == atom.Style:
			inRaw = false
		}
		b.WriteString(tok.String())
	}
}

func cleanAttrs(attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if a.Namespace != "" {
			key = strings.ToLower(a.Namespace) + ":" + key
		}
		switch {
		case strings.HasPrefix(key, "on"):
			continue
		case key == "srcdoc":
			continue
		case key == "style" && unsafeStyle(a.Val):
			continue
		case urlAttrs[key] && unsafeURL(a.Val):
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// normalizeURL removes what browsers ignore when reading a scheme:
// whitespace and control characters anywhere, and letter case.
func normalizeURL(v string) string {
	return strings.ToLower(strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		return r
	}, v))
}

func unsafeURL(v string) bool {
	u := normalizeURL(html.UnescapeString(v))
	switch {
	case strings.HasPrefix(u, "javascript:"), strings.HasPrefix(u, "vbscript:"):
		return true
	case strings.HasPrefix(u, "data:"):
		for _, prefix := range safeDataImages {
			if strings.HasPrefix(u, prefix) {
				return false
			}
		}
		return true
	}
	return false
}

func unsafeStyle(v string) bool {
	s := normalizeURL(html.UnescapeString(v))
	return strings.Contains(s, "expression(") ||
		strings.Contains(s, "javascript:") ||
		strings.Contains(s, "vbscript:") ||
		strings.Contains(s, "-moz-binding")
}
