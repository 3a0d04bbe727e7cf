package media

import (
	"fmt"
	"image"
	"math/bits"
	"strconv"

	"github.com/disintegration/imaging"
)

// DifferenceHash computes a 64-bit dHash: the image is shrunk to 9x8
// grayscale and each bit records whether a pixel is brighter than its
// right-hand neighbour.
func DifferenceHash(img image.Image) uint64 {
	small := imaging.Grayscale(imaging.Resize(img, 9, 8, imaging.Box))
	var hash uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			left := small.Pix[small.PixOffset(x, y)]
			right := small.Pix[small.PixOffset(x+1, y)]
			hash <<= 1
			if left > right {
				hash |= 1
			}
		}
	}
	return hash
}

// FormatHash renders a hash as 16 lowercase hex digits
func FormatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// ParseHash is the inverse of FormatHash
func ParseHash(s string) (uint64, error) {
	h, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid perceptual hash %q: %w", s, err)
	}
	return h, nil
}

// HammingDistance counts the differing bits of two hashes
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
