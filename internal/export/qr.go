package export

import (
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultQRSize is the PNG edge length in pixels.
const DefaultQRSize = 256

// ShareQR encodes url as a PNG QR code of the given size. Sizes below
// 64 use DefaultQRSize.
func ShareQR(url string, size int) ([]byte, error) {
	if url == "" {
		return nil, errors.New("share url is empty")
	}
	if size < 64 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(url, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	return png, nil
}
