package capture

import (
	"encoding/hex"
	"image"

	"github.com/zeebo/blake3"
)

// DefaultThreshold is the mean normalized delta above which two frames count
// as different (0.1% of full scale).
const DefaultThreshold = 0.001

// Digest is a BLAKE3 fingerprint of a frame's pixel buffer.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:8]) }

// Fingerprint hashes the visible pixels of img row by row so sub-images
// with a wider stride hash the same as a tight copy.
func Fingerprint(img *image.RGBA) Digest {
	h := blake3.New()
	b := img.Bounds()
	rowLen := b.Dx() * 4
	var size [8]byte
	size[0], size[1], size[2], size[3] = byte(b.Dx()>>24), byte(b.Dx()>>16), byte(b.Dx()>>8), byte(b.Dx())
	size[4], size[5], size[6], size[7] = byte(b.Dy()>>24), byte(b.Dy()>>16), byte(b.Dy()>>8), byte(b.Dy())
	_, _ = h.Write(size[:])
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		_, _ = h.Write(img.Pix[off : off+rowLen])
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Comparison is the outcome of comparing two frames.
type Comparison struct {
	Score   float64
	Changed bool
}

// Detector compares two frame buffers. It is a pure function of its inputs
// and safe for concurrent use.
type Detector struct {
	Threshold float64
}

// NewDetector returns a Detector; a non-positive threshold selects the default.
func NewDetector(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{Threshold: threshold}
}

// Compare scores cur against prev as mean(|delta|)/255 over the RGB channels.
// Frames of different dimensions always count as changed with score 1.
func (d *Detector) Compare(prev, cur *image.RGBA) Comparison {
	score := Score(prev, cur)
	return Comparison{Score: score, Changed: score > d.Threshold}
}

// CompareFrames is Compare with a digest short-circuit: identical
// fingerprints of equal-sized frames score zero without a pixel walk.
func (d *Detector) CompareFrames(prev, cur *Frame) Comparison {
	if prev == nil || cur == nil {
		return Comparison{Score: 1, Changed: true}
	}
	if prev.Digest == cur.Digest && prev.Image.Rect.Size() == cur.Image.Rect.Size() {
		return Comparison{}
	}
	return d.Compare(prev.Image, cur.Image)
}

// Score returns the mean absolute per-channel difference normalized to
// [0, 1]. Alpha is ignored.
func Score(prev, cur *image.RGBA) float64 {
	if prev == nil || cur == nil {
		return 1
	}
	pb, cb := prev.Bounds(), cur.Bounds()
	if pb.Dx() != cb.Dx() || pb.Dy() != cb.Dy() {
		return 1
	}
	w, h := cb.Dx(), cb.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	var total uint64
	for y := 0; y < h; y++ {
		po := prev.PixOffset(pb.Min.X, pb.Min.Y+y)
		co := cur.PixOffset(cb.Min.X, cb.Min.Y+y)
		prow := prev.Pix[po : po+w*4]
		crow := cur.Pix[co : co+w*4]
		for i := 0; i < len(crow); i += 4 {
			total += absDiff(prow[i], crow[i])
			total += absDiff(prow[i+1], crow[i+1])
			total += absDiff(prow[i+2], crow[i+2])
		}
	}
	samples := uint64(w) * uint64(h) * 3
	return float64(total) / float64(samples) / 255.0
}

func absDiff(a, b uint8) uint64 {
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}
