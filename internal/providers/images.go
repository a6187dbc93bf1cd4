package providers

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	. "github.com/zveroz/zeroclaw/internal/logging"
)

// ExtractedImage is a decoded [IMAGE:...] marker, ready for an adapter to
// embed in its native image block.
type ExtractedImage struct {
	MimeType string
	Data     []byte // raw decoded bytes
}

var imageMarkerRe = regexp.MustCompile(`\[IMAGE:(data:[^;]+;base64,[A-Za-z0-9+/=]+)\]`)

// ExtractImages pulls every [IMAGE:<data-uri>] marker out of text, decodes
// its base64 payload, and returns the cleaned (trimmed) remaining text
// alongside the images in order of appearance. Vision-capable adapters call
// this before building their native request; non-vision adapters never call
// it (markers are left untouched in the plain-text path).
func ExtractImages(text string) (string, []ExtractedImage) {
	var images []ExtractedImage

	cleaned := imageMarkerRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := imageMarkerRe.FindStringSubmatch(match)
		uri := sub[1]
		img, ok := decodeDataURI(uri)
		if !ok {
			return match // leave malformed markers untouched
		}
		images = append(images, img)
		return ""
	})

	cleaned = strings.TrimSpace(cleaned)
	return cleaned, images
}

func decodeDataURI(uri string) (ExtractedImage, bool) {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return ExtractedImage{}, false
	}
	rest := uri[len(prefix):]
	parts := strings.SplitN(rest, ";base64,", 2)
	if len(parts) != 2 {
		return ExtractedImage{}, false
	}
	declaredMime := parts[0]
	data, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		L_warn("providers: failed to decode image marker payload", "error", err)
		return ExtractedImage{}, false
	}

	sniffed := mimetype.Detect(data)
	mime := declaredMime
	if sniffed != nil && sniffed.String() != "" && !sniffed.Is(declaredMime) {
		L_debug("providers: image marker declared mime differs from sniffed mime",
			"declared", declaredMime, "sniffed", sniffed.String())
	}

	return ExtractedImage{MimeType: mime, Data: data}, true
}
