package share

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png"
	"io"

	"github.com/makiuchi-d/gozxing"
	zxqrcode "github.com/makiuchi-d/gozxing/qrcode"
	"github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"
)

// DefaultQRSize is the PNG edge length in pixels.
const DefaultQRSize = 256

// EncodeQR renders text as a PNG QR code of size x size pixels.
func EncodeQR(text string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(text, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// RenderQR renders text as a QR code drawn with block characters for a
// terminal.
func RenderQR(text string) (string, error) {
	q, err := qrcode.New(text, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return q.ToSmallString(false), nil
}

// DecodeQR reads an image and returns the text of the QR code in it.
func DecodeQR(r io.Reader) (string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("binarize image: %w", err)
	}

	result, err := zxqrcode.NewQRCodeReader().Decode(bmp, nil)
	if err != nil {
		return "", fmt.Errorf("decode qr: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DecodeQR",
		"format":   format,
	}).Debug("Decoded QR code")

	return result.GetText(), nil
}

// DecodeQRBytes is DecodeQR over an in-memory image.
func DecodeQRBytes(data []byte) (string, error) {
	return DecodeQR(bytes.NewReader(data))
}
