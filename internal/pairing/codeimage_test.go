package pairing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
)

func pngBase64(t *testing.T, side int) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, side, side))
	for x := 0; x < side; x += 2 {
		img.SetGray(x, x, color.Gray{Y: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func decodeDataURL(t *testing.T, url string) image.Image {
	t.Helper()
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("not a png data url: %.40q", url)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("png: %v", err)
	}
	return img
}

func TestNormalizeCodeImage_DataURLPassThrough(t *testing.T) {
	in := "data:image/png;base64,AAAA"
	got, err := NormalizeCodeImage(in, "")
	if err != nil || got != in {
		t.Errorf("got %q, %v; want pass-through", got, err)
	}
}

func TestNormalizeCodeImage_QRText(t *testing.T) {
	got, err := NormalizeCodeImage("2@Yx9kQ,abc/def==,1", "text")
	if err != nil {
		t.Fatalf("NormalizeCodeImage: %v", err)
	}
	img := decodeDataURL(t, got)
	if img.Bounds().Dx() != qrSize {
		t.Errorf("qr width = %d, want %d", img.Bounds().Dx(), qrSize)
	}
}

func TestNormalizeCodeImage_RawImageBounded(t *testing.T) {
	got, err := NormalizeCodeImage(pngBase64(t, 1024), "")
	if err != nil {
		t.Fatalf("NormalizeCodeImage: %v", err)
	}
	img := decodeDataURL(t, got)
	if img.Bounds().Dx() > codeImageMaxSide || img.Bounds().Dy() > codeImageMaxSide {
		t.Errorf("image %v exceeds %d", img.Bounds(), codeImageMaxSide)
	}

	small, _ := NormalizeCodeImage(pngBase64(t, 64), "png")
	if decodeDataURL(t, small).Bounds().Dx() != 64 {
		t.Error("small image was resized")
	}
}

func TestNormalizeCodeImage_Errors(t *testing.T) {
	if _, err := NormalizeCodeImage("  ", ""); !errors.Is(err, ErrEmptyCode) {
		t.Errorf("empty err = %v, want ErrEmptyCode", err)
	}
	if _, err := NormalizeCodeImage("not-an-image", "png"); err == nil {
		t.Error("declared png with text payload accepted")
	}
}

func TestTerminalQR(t *testing.T) {
	out, err := TerminalQR("hello")
	if err != nil {
		t.Fatalf("TerminalQR: %v", err)
	}
	if len(strings.Split(strings.TrimSpace(out), "\n")) < 10 {
		t.Errorf("terminal qr too short:\n%s", out)
	}
}
