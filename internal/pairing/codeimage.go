package pairing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/skip2/go-qrcode"
)

const (
	// codeImageMaxSide bounds re-encoded pairing images.
	codeImageMaxSide = 512
	// qrSize is the side of rendered QR images in pixels.
	qrSize        = 320
	dataURLPrefix = "data:image/"
)

// ErrEmptyCode is returned for a blank pairing payload.
var ErrEmptyCode = errors.New("empty pairing code")

// NormalizeCodeImage turns a backend pairing payload into a display-ready
// data URL. Ready data URLs pass through; base64 image bytes are decoded and
// re-encoded as a bounded PNG; anything else is treated as QR contents.
func NormalizeCodeImage(payload, format string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", ErrEmptyCode
	}
	if strings.HasPrefix(payload, dataURLPrefix) || format == "data-url" {
		return payload, nil
	}

	if format != "text" {
		if raw, ok := decodeImageBytes(payload); ok {
			return reencodePNG(raw)
		}
		if format == "png" || format == "jpeg" {
			return "", fmt.Errorf("pairing code declared %s but is not a decodable image", format)
		}
	}
	return RenderQR(payload)
}

// RenderQR encodes text as a PNG QR code data URL.
func RenderQR(text string) (string, error) {
	png, err := qrcode.Encode(text, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return toDataURL("image/png", png), nil
}

// TerminalQR renders text as a QR code made of block characters.
func TerminalQR(text string) (string, error) {
	q, err := qrcode.New(text, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return q.ToSmallString(false), nil
}

func decodeImageBytes(payload string) ([]byte, bool) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	if !strings.HasPrefix(http.DetectContentType(raw), "image/") {
		return nil, false
	}
	return raw, true
}

func reencodePNG(raw []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode pairing image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() > codeImageMaxSide || b.Dy() > codeImageMaxSide {
		// NearestNeighbor keeps QR modules sharp.
		img = imaging.Fit(img, codeImageMaxSide, codeImageMaxSide, imaging.NearestNeighbor)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode pairing image: %w", err)
	}
	return toDataURL("image/png", buf.Bytes()), nil
}

func toDataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
