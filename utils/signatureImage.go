package utils

import (
	"bytes"
	"encoding/base64"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	SignatureWidth  = 600
	SignatureHeight = 200

	maxSignatureBytes = 2 << 20
)

// NormalizeSignatureImage decodes a base64 (optionally data-URL) handwritten signature and
// renders it centered on a white 600x200 PNG canvas.
func NormalizeSignatureImage(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+1:]
	}
	if encoded == "" {
		return nil, NewFieldError("signature_image", "required")
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > maxSignatureBytes {
		return nil, NewFieldError("signature_image", "too large")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, NewFieldError("signature_image", "invalid base64")
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, NewFieldError("signature_image", "unsupported image")
	}
	fitted := imaging.Fit(img, SignatureWidth, SignatureHeight, imaging.Lanczos)
	canvas := imaging.New(SignatureWidth, SignatureHeight, color.White)
	canvas = imaging.PasteCenter(canvas, fitted)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
