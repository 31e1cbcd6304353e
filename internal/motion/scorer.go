package motion

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/mecam/internal/config"
)

const dilationSize = 3

// FrameDiffScorer compares each frame against a running-average reference
// of previous frames.
type FrameDiffScorer struct {
	mu        sync.Mutex
	reference gocv.Mat
	hasRef    bool
}

func NewFrameDiffScorer() *FrameDiffScorer {
	return &FrameDiffScorer{reference: gocv.NewMat()}
}

func (s *FrameDiffScorer) Score(frame []byte, cfg config.MotionConfig) (Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, err := gocv.IMDecode(frame, gocv.IMReadGrayScale)
	if err != nil {
		return Score{}, fmt.Errorf("decode frame: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return Score{}, errors.New("decode frame: empty image")
	}

	// Apply Gaussian blur to reduce noise
	blur := cfg.BlurSize
	if blur%2 == 0 {
		blur++
	}
	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(img, &blurred, image.Point{X: blur, Y: blur}, 0, 0, gocv.BorderDefault)

	if !s.hasRef || s.reference.Rows() != blurred.Rows() || s.reference.Cols() != blurred.Cols() {
		// first frame or resolution change: nothing to compare against yet
		s.reference.Close()
		s.reference = blurred.Clone()
		s.hasRef = true
		return Score{}, nil
	}

	delta := gocv.NewMat()
	defer delta.Close()
	gocv.AbsDiff(s.reference, blurred, &delta)

	_, maxVal, _, _ := gocv.MinMaxLoc(delta)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(delta, &thresh, float32(cfg.Sensitivity), 255, gocv.ThresholdBinary)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Point{X: dilationSize, Y: dilationSize})
	defer kernel.Close()

	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(thresh, &dilated, kernel)

	contours := gocv.FindContours(dilated, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var totalArea float64
	for i := 0; i < contours.Size(); i++ {
		totalArea += gocv.ContourArea(contours.At(i))
	}

	// blend the frame into the reference so lighting drift is absorbed
	alpha := cfg.ReferenceAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.05
	}
	updated := gocv.NewMat()
	gocv.AddWeighted(s.reference, 1-alpha, blurred, alpha, 0, &updated)
	s.reference.Close()
	s.reference = updated

	return Score{Area: totalArea, Intensity: float64(maxVal)}, nil
}

// Reset forgets the reference; the next frame becomes the new baseline.
func (s *FrameDiffScorer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasRef = false
}

func (s *FrameDiffScorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasRef = false
	return s.reference.Close()
}
