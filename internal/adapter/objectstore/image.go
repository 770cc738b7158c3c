package objectstore

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	// Decoders for the formats sellers actually upload.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// optimizeImage decodes, shrinks the longer edge to maxEdge, flattens alpha
// onto white, and re-encodes as JPEG at the given quality. It returns an
// error only when the bytes cannot be decoded at all; callers fall back to
// the raw bytes in that case.
func optimizeImage(data []byte, maxEdge, quality int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("op=objectstore.optimize decode: %w", err)
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if longer := max(w, h); longer > maxEdge {
		ratio := float64(maxEdge) / float64(longer)
		w = int(float64(w) * ratio)
		h = int(float64(h) * ratio)
	}

	// JPEG has no alpha channel; composite onto white like the upload UI
	// preview does.
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("op=objectstore.optimize encode: %w", err)
	}
	return buf.Bytes(), nil
}
