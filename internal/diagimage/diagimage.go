// Package diagimage draws the fallback picture returned when a screenshot
// cannot be taken: the error text in white on a black canvas.
package diagimage

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/JakeFAU/pagesnap/internal/renderer"
)

// Canvas geometry.
const (
	Width    = 800
	Height   = 600
	Margin   = 10
	MaxWidth = 780
)

const (
	jpegQuality = 75
	// A COM segment length field counts itself, so the payload is capped at
	// 0xFFFF - 2 bytes.
	maxComment = 0xFFFF - 2
)

var face font.Face = basicfont.Face7x13

// Render draws message and returns the JPEG bytes. The message is also
// stored verbatim in a JPEG comment segment.
func Render(message string) ([]byte, error) {
	message = renderer.Sanitize(message)

	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Src: image.NewUniform(color.White), Face: face}
	metrics := face.Metrics()
	lineHeight := metrics.Height.Ceil()
	y := Margin + metrics.Ascent.Ceil()
	for _, line := range Wrap(message, MaxWidth) {
		if y > Height {
			break
		}
		d.Dot = fixed.P(Margin, y)
		d.DrawString(line)
		y += lineHeight
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode diagnostic image: %w", err)
	}
	return withComment(buf.Bytes(), message), nil
}

// Base64 renders message and base64-encodes the result. It never fails; when
// rendering message fails a generic diagnostic is encoded instead.
func Base64(message string) string {
	data, err := Render(message)
	if err != nil {
		data, _ = Render("diagnostic image unavailable")
	}
	return base64.StdEncoding.EncodeToString(data)
}

// Wrap breaks text into lines no wider than maxWidth pixels in the
// diagnostic face. Explicit newlines are kept and words longer than a line
// are split.
func Wrap(text string, maxWidth int) []string {
	limit := fixed.I(maxWidth)
	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		current := ""
		for _, word := range words {
			candidate := word
			if current != "" {
				candidate = current + " " + word
			}
			if font.MeasureString(face, candidate) <= limit {
				current = candidate
				continue
			}
			if current != "" {
				lines = append(lines, current)
				current = ""
			}
			for font.MeasureString(face, word) > limit {
				cut := fitPrefix(word, limit)
				lines = append(lines, word[:cut])
				word = word[cut:]
			}
			current = word
		}
		lines = append(lines, current)
	}
	return lines
}

// fitPrefix returns the byte length of the longest rune prefix of word that
// fits within limit, and at least one rune.
func fitPrefix(word string, limit fixed.Int26_6) int {
	end := 0
	for i, r := range word {
		next := i + len(string(r))
		if end > 0 && font.MeasureString(face, word[:next]) > limit {
			break
		}
		end = next
	}
	return end
}

func withComment(jpg []byte, comment string) []byte {
	if len(jpg) < 2 || jpg[0] != 0xFF || jpg[1] != 0xD8 {
		return jpg
	}
	payload := []byte(comment)
	if len(payload) > maxComment {
		payload = payload[:maxComment]
	}
	out := make([]byte, 0, len(jpg)+4+len(payload))
	out = append(out, jpg[:2]...)
	out = append(out, 0xFF, 0xFE)
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)+2))
	out = append(out, payload...)
	out = append(out, jpg[2:]...)
	return out
}

// Comment returns the first COM segment of a JPEG stream.
func Comment(jpg []byte) (string, error) {
	if len(jpg) < 4 || jpg[0] != 0xFF || jpg[1] != 0xD8 {
		return "", errors.New("not a jpeg stream")
	}
	pos := 2
	for pos+4 <= len(jpg) {
		if jpg[pos] != 0xFF {
			return "", errors.New("malformed jpeg marker")
		}
		marker := jpg[pos+1]
		if marker == 0xDA {
			break
		}
		size := int(binary.BigEndian.Uint16(jpg[pos+2 : pos+4]))
		if size < 2 || pos+2+size > len(jpg) {
			return "", errors.New("truncated jpeg segment")
		}
		if marker == 0xFE {
			return string(jpg[pos+4 : pos+2+size]), nil
		}
		pos += 2 + size
	}
	return "", errors.New("no comment segment")
}
