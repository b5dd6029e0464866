package framesource

import (
	"fmt"
	"image"
	"image/color"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// rgbImage exposes a raw packed-RGB frame as an image.Image without copying
// the pixel data again.
type rgbImage struct {
	width  int
	height int
	data   []byte // 3 bytes per pixel, row-major
}

func (m *rgbImage) ColorModel() color.Model { return color.RGBAModel }

func (m *rgbImage) Bounds() image.Rectangle { return image.Rect(0, 0, m.width, m.height) }

func (m *rgbImage) At(x, y int) color.Color {
	i := (y*m.width + x) * 3
	return color.RGBA{R: m.data[i], G: m.data[i+1], B: m.data[i+2], A: 0xff}
}

// frameDecoder runs a QR reader over raw RGB frames. Not safe for concurrent
// use; each decode loop owns its own instance.
type frameDecoder struct {
	reader gozxing.Reader
}

func newFrameDecoder() *frameDecoder {
	return &frameDecoder{reader: qrcode.NewQRCodeReader()}
}

// decode attempts to read one QR payload from a packed-RGB frame. A frame
// without a readable QR is the common case and returns an error the caller
// counts as a miss, not a failure.
func (d *frameDecoder) decode(data []byte, width, height int) (string, error) {
	if len(data) < width*height*3 {
		return "", fmt.Errorf("short frame: %d bytes for %dx%d", len(data), width, height)
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(&rgbImage{width: width, height: height, data: data})
	if err != nil {
		return "", err
	}

	result, err := d.reader.Decode(bmp, nil)
	if err != nil {
		return "", err
	}
	return result.GetText(), nil
}
