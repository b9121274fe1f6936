package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"mailbag/internal/models"
)

type decoded struct {
	contentType models.ContentType
	text        string
	partial     bool
	warnings    []string
}

func (d *decoded) warn(format string, args ...any) {
	d.partial = true
	d.warnings = append(d.warnings, fmt.Sprintf(format, args...))
}

type leaf struct {
	contentType models.ContentType
	text        string
	warnings    []string
}

// decodeBody picks the first text/plain or text/html leaf of the message,
// decodes its transfer encoding and charset, and sanitizes HTML. Failures
// never abort: they degrade to best-effort text and a warning.
func decodeBody(r io.Reader, preferHTML bool) decoded {
	raw, err := io.ReadAll(r)
	if err != nil {
		d := decoded{contentType: models.ContentPlain}
		d.warn("message truncated: %v", err)
		return d
	}

	var d decoded
	e, rootErr := message.Read(bytes.NewReader(raw))
	if err := rootErr; err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		d.contentType = models.ContentPlain
		d.text = strings.ToValidUTF8(string(raw), "�")
		d.warn("unparseable message header, showing raw source: %v", err)
		return d
	}

	var plain, html *leaf
	walkErr := e.Walk(func(path []int, part *message.Entity, err error) error {
		if part == nil {
			return nil
		}
		if plain != nil && html != nil {
			return nil
		}
		if len(path) == 0 && err == nil {
			err = rootErr
		}
		mediaType, _, _ := part.Header.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if isAttachment(part) {
			return nil
		}
		switch {
		case strings.EqualFold(mediaType, "text/plain") && plain == nil:
			plain = readLeaf(part, err, models.ContentPlain)
		case strings.EqualFold(mediaType, "text/html") && html == nil:
			html = readLeaf(part, err, models.ContentHTML)
		}
		return nil
	})
	if walkErr != nil {
		d.warn("malformed multipart structure: %v", walkErr)
	}

	chosen := plain
	if chosen == nil || (preferHTML && html != nil) {
		chosen = html
	}
	if chosen == nil {
		d.contentType = models.ContentPlain
		d.warn("message has no text part")
		return d
	}

	d.contentType = chosen.contentType
	d.text = chosen.text
	for _, w := range chosen.warnings {
		d.warn("%s", w)
	}
	if d.contentType == models.ContentHTML {
		clean, err := sanitizeHTML(d.text)
		if err != nil {
			d.contentType = models.ContentPlain
			d.text = ""
			d.warn("html could not be sanitized: %v", err)
		} else {
			d.text = clean
		}
	}
	return d
}

func isAttachment(e *message.Entity) bool {
	disp, _, err := e.Header.ContentDisposition()
	return err == nil && strings.EqualFold(disp, "attachment")
}

// readLeaf reads a part whose charset and transfer encoding have already
// been applied by go-message. entityErr is the error go-message reported
// when it could not set up decoding for this part.
func readLeaf(e *message.Entity, entityErr error, ct models.ContentType) *leaf {
	l := &leaf{contentType: ct}

	body, err := io.ReadAll(e.Body)
	switch {
	case message.IsUnknownCharset(entityErr):
		_, params, _ := e.Header.ContentType()
		l.warnings = append(l.warnings, fmt.Sprintf("unknown charset %q, text left undecoded", params["charset"]))
	case message.IsUnknownEncoding(entityErr):
		l.warnings = append(l.warnings, fmt.Sprintf("unknown transfer encoding %q, text left undecoded", e.Header.Get("Content-Transfer-Encoding")))
	}
	if err != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("corrupt %s body, decoded up to the error: %v", transferEncoding(e), err))
	}

	l.text = string(body)
	if !isValidUTF8(l.text) {
		l.text = strings.ToValidUTF8(l.text, "�")
		if len(l.warnings) == 0 {
			l.warnings = append(l.warnings, "invalid utf-8 replaced")
		}
	}
	return l
}

func transferEncoding(e *message.Entity) string {
	enc := strings.ToLower(strings.TrimSpace(e.Header.Get("Content-Transfer-Encoding")))
	if enc == "" {
		return "7bit"
	}
	return enc
}

func isValidUTF8(s string) bool {
	return strings.ToValidUTF8(s, "") == s
}
