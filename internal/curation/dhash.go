package curation

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/bits"
	"net/http"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/yangwenmai/charseed/internal/retry"
)

// maxImageSize is the maximum image download size (20MB).
const maxImageSize = 20 * 1024 * 1024

// DHasher fingerprints images with a 64-bit difference hash. Visually similar
// images have hashes a small Hamming distance apart.
type DHasher struct {
	client *http.Client
}

// NewDHasher creates a fingerprinter that downloads images with client.
func NewDHasher(client *http.Client) *DHasher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DHasher{client: client}
}

// Fingerprint downloads and decodes the image at imageRef and returns its hash.
func (d *DHasher) Fingerprint(ctx context.Context, imageRef string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageRef, nil)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, retry.HTTPStatus(resp.StatusCode, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return 0, fmt.Errorf("read image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("decode image: %w", err))
	}
	return DHash(img), nil
}

// DHash computes the difference hash of img: the image is reduced to 9x8 grey
// pixels and each bit records whether a pixel is brighter than its right neighbour.
func DHash(img image.Image) uint64 {
	small := image.NewGray(image.Rect(0, 0, 9, 8))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var hash uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			hash <<= 1
			if small.GrayAt(x, y).Y > small.GrayAt(x+1, y).Y {
				hash |= 1
			}
		}
	}
	return hash
}

// Similarity returns 1 − hamming(a, b)/64: 1 for identical hashes, 0 for opposites.
func Similarity(a, b uint64) float64 {
	return 1 - float64(bits.OnesCount64(a^b))/64
}
