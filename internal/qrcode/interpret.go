// ABOUTME: Classifies raw pairing-code responses by content type and payload shape.
// ABOUTME: Isolates the backend's JSON-vs-HTML inconsistency behind a single Result.

package qrcode

import (
	"bytes"
	"encoding/json"
	"strings"

	"golang.org/x/net/html"

	"github.com/2389/agentlink/internal/transport"
)

// payload is the union of fields seen across backend versions.
type payload struct {
	Connected *bool  `json:"conectado"`
	QRCode    string `json:"qr_code"`
	QRCodeAlt string `json:"qrcode"`
	QRCodeURL string `json:"qrcodeUrl"`
	Message   string `json:"message"`
}

// Interpret classifies resp. It never fails; malformed input yields the
// error variant with KindUnexpectedFormat.
func Interpret(resp *transport.Response) Result {
	if resp == nil {
		return Failed(transport.KindUnexpectedFormat, "empty response")
	}

	mt := resp.MediaType()
	switch {
	case isStructured(mt):
		return interpretJSON(resp.Body)
	case isMarkup(mt):
		return interpretHTML(resp.Body)
	case mt == "" && looksLikeJSON(resp.Body):
		// Some deployments omit the header on JSON bodies.
		return interpretJSON(resp.Body)
	default:
		return Failed(transport.KindUnexpectedFormat, "unsupported content type "+quote(mt))
	}
}

func interpretJSON(body []byte) Result {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Failed(transport.KindUnexpectedFormat, "invalid JSON body: "+err.Error())
	}

	// A connected agent supersedes any code in the same body.
	if p.Connected != nil && *p.Connected {
		return AlreadyConnected()
	}
	if code := firstNonEmpty(p.QRCode, p.QRCodeAlt, p.QRCodeURL); code != "" {
		return CodeAvailable(code)
	}
	if msg := strings.TrimSpace(p.Message); msg != "" {
		return NotReadyYet(msg)
	}
	return Failed(transport.KindUnexpectedFormat, "JSON body has no status, code, or message")
}

func interpretHTML(body []byte) Result {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Failed(transport.KindUnexpectedFormat, "invalid markup: "+err.Error())
	}
	if src := firstImageSource(doc); src != "" {
		return CodeAvailable(src)
	}
	return Failed(transport.KindUnexpectedFormat, "markup contains no image")
}

// firstImageSource walks the document in order and returns the src of the
// first <img> that has one.
func firstImageSource(doc *html.Node) string {
	var found string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "img" {
			for _, attr := range n.Attr {
				if attr.Key == "src" && strings.TrimSpace(attr.Val) != "" {
					found = strings.TrimSpace(attr.Val)
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return found
}

func isStructured(mt string) bool {
	return mt == "application/json" || strings.HasSuffix(mt, "+json") || mt == "text/json"
}

func isMarkup(mt string) bool {
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func quote(s string) string {
	if s == "" {
		return `""`
	}
	return `"` + s + `"`
}
