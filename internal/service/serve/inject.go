package serve

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const viewportTag = `<meta name="viewport" content="width=device-width, initial-scale=1.0, maximum-scale=5.0">`

const mobileStyle = `<style data-sitegate="mobile">
html, body { max-width: 100%; overflow-x: hidden; -webkit-text-size-adjust: 100%; }
img, svg, video, canvas, iframe { max-width: 100%; height: auto; }
table { display: block; max-width: 100%; overflow-x: auto; }
@media (max-width: 768px) {
  body { font-size: 14px; }
  .container, .wrapper, main { width: 100% !important; padding-left: 8px; padding-right: 8px; box-sizing: border-box; }
}
</style>`

var (
	errNotUTF8 = errors.New("document is not valid UTF-8")
	errNoHead  = errors.New("document has no head element")
)

// injectMobile inserts the viewport tag, unless the head already has one, and
// the mobile style block immediately after the opening head tag.
func injectMobile(doc []byte) ([]byte, error) {
	if !utf8.Valid(doc) {
		return nil, errNotUTF8
	}
	headEnd, hasViewport, err := scanHead(doc)
	if err != nil {
		return nil, err
	}
	var insert strings.Builder
	if !hasViewport {
		insert.WriteString(viewportTag)
	}
	insert.WriteString(mobileStyle)

	out := make([]byte, 0, len(doc)+insert.Len())
	out = append(out, doc[:headEnd]...)
	out = append(out, insert.String()...)
	out = append(out, doc[headEnd:]...)
	return out, nil
}

// scanHead returns the byte offset just past the opening head tag and whether
// a viewport meta tag appears before the head closes.
func scanHead(doc []byte) (int, bool, error) {
	z := html.NewTokenizer(bytes.NewReader(doc))
	offset := 0
	headEnd := -1
	for {
		tt := z.Next()
		raw := len(z.Raw())
		switch tt {
		case html.ErrorToken:
			if headEnd < 0 {
				if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
					return 0, false, err
				}
				return 0, false, errNoHead
			}
			return headEnd, false, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch {
			case headEnd < 0 && atom.Lookup(name) == atom.Head:
				headEnd = offset + raw
			case headEnd >= 0 && atom.Lookup(name) == atom.Meta && hasAttr && isViewport(z):
				return headEnd, true, nil
			case headEnd < 0 && atom.Lookup(name) == atom.Body:
				return 0, false, errNoHead
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if headEnd >= 0 && atom.Lookup(name) == atom.Head {
				return headEnd, false, nil
			}
		}
		offset += raw
	}
}

func isViewport(z *html.Tokenizer) bool {
	for {
		key, val, more := z.TagAttr()
		if strings.EqualFold(string(key), "name") && strings.EqualFold(strings.TrimSpace(string(val)), "viewport") {
			return true
		}
		if !more {
			return false
		}
	}
}
