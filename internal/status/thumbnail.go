package status

import (
	"bytes"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// thumbnailWidth is the width of every status-feed thumbnail; its height
// follows the source aspect ratio. The dashboard only needs enough
// resolution to show a live preview tile.
const thumbnailWidth = 160

// NV12Thumbnail downsamples an NV12 color plane to a small JPEG, for
// attaching to the periodic status broadcast. Only the luma (Y) plane is
// used for grayscale preview tiles; chroma is dropped to keep the feed
// cheap, since this is a diagnostics aid, not the recorded video track.
func NV12Thumbnail(y []byte, width, height int) ([]byte, error) {
	src := image.NewGray(image.Rect(0, 0, width, height))
	copy(src.Pix, y)

	scale := float64(thumbnailWidth) / float64(width)
	dstW := thumbnailWidth
	dstH := int(float64(height) * scale)
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewGray(image.Rect(0, 0, dstW, dstH))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 70}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
