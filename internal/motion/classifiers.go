package motion

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/mecam/internal/config"
)

const (
	// MobileNet-SSD (Caffe, VOC labels) person class.
	ssdPersonClass = 15
	ssdInputSize   = 300
	faceSampleSize = 100
)

// LoadPersonDetector returns a DNN detector when a model path is
// configured, otherwise OpenCV's built-in HOG people detector.
func LoadPersonDetector(cfg config.AIConfig) (PersonDetector, error) {
	if cfg.PersonModelPath == "" {
		hog := gocv.NewHOGDescriptor()
		det := gocv.HOGDefaultPeopleDetector()
		defer det.Close()
		hog.SetSVMDetector(det)
		return &hogDetector{hog: hog}, nil
	}

	if _, err := os.Stat(cfg.PersonModelPath); err != nil {
		return nil, &ModelUnavailableError{Model: "person", Path: cfg.PersonModelPath, Err: err}
	}
	if cfg.PersonConfigPath != "" {
		if _, err := os.Stat(cfg.PersonConfigPath); err != nil {
			return nil, &ModelUnavailableError{Model: "person", Path: cfg.PersonConfigPath, Err: err}
		}
	}
	net := gocv.ReadNet(cfg.PersonModelPath, cfg.PersonConfigPath)
	if net.Empty() {
		return nil, &ModelUnavailableError{Model: "person", Path: cfg.PersonModelPath, Err: errors.New("network is empty")}
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	threshold := cfg.PersonThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return &dnnDetector{net: net, threshold: float32(threshold)}, nil
}

type hogDetector struct {
	hog gocv.HOGDescriptor
}

func (d *hogDetector) DetectPerson(frame []byte) (bool, error) {
	img, err := decodeColor(frame)
	if err != nil {
		return false, err
	}
	defer img.Close()
	return len(d.hog.DetectMultiScale(img)) > 0, nil
}

func (d *hogDetector) Close() error { return d.hog.Close() }

type dnnDetector struct {
	net       gocv.Net
	threshold float32
}

func (d *dnnDetector) DetectPerson(frame []byte) (bool, error) {
	img, err := decodeColor(frame)
	if err != nil {
		return false, err
	}
	defer img.Close()

	blob := gocv.BlobFromImage(img, 0.007843, image.Pt(ssdInputSize, ssdInputSize), gocv.NewScalar(127.5, 127.5, 127.5, 0), false, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	// SSD output is [1, 1, N, 7]: image id, class, confidence, box
	rows := out.Total() / 7
	if rows == 0 {
		return false, nil
	}
	detections := out.Reshape(1, rows)
	defer detections.Close()
	for i := 0; i < rows; i++ {
		class := int(detections.GetFloatAt(i, 1))
		conf := detections.GetFloatAt(i, 2)
		if class == ssdPersonClass && conf >= d.threshold {
			return true, nil
		}
	}
	return false, nil
}

func (d *dnnDetector) Close() error { return d.net.Close() }

// LoadFaceMatcher loads the Haar cascade and builds a histogram for every
// reference image in the allow-list directory.
func LoadFaceMatcher(cfg config.AIConfig) (FaceMatcher, error) {
	if cfg.FaceCascadePath == "" {
		return nil, &ModelUnavailableError{Model: "face", Err: errors.New("no cascade configured")}
	}
	if _, err := os.Stat(cfg.FaceCascadePath); err != nil {
		return nil, &ModelUnavailableError{Model: "face", Path: cfg.FaceCascadePath, Err: err}
	}
	cascade := gocv.NewCascadeClassifier()
	if !cascade.Load(cfg.FaceCascadePath) {
		cascade.Close()
		return nil, &ModelUnavailableError{Model: "face", Path: cfg.FaceCascadePath, Err: errors.New("cascade did not load")}
	}

	minScore := cfg.FaceMatchMinScore
	if minScore <= 0 {
		minScore = 0.8
	}
	m := &faceMatcher{cascade: cascade, minScore: float32(minScore)}
	if err := m.loadAllowlist(cfg.FaceAllowlistDir); err != nil {
		_ = m.Close()
		return nil, &ModelUnavailableError{Model: "face", Path: cfg.FaceAllowlistDir, Err: err}
	}
	return m, nil
}

type faceMatcher struct {
	cascade  gocv.CascadeClassifier
	known    []gocv.Mat
	minScore float32
}

func (m *faceMatcher) loadAllowlist(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".jpg" && ext != ".jpeg" && ext != ".png") {
			continue
		}
		img := gocv.IMRead(filepath.Join(dir, e.Name()), gocv.IMReadGrayScale)
		if img.Empty() {
			img.Close()
			continue
		}
		// use the detected face if there is one, else the whole image
		region := img
		if rects := m.cascade.DetectMultiScale(img); len(rects) > 0 {
			region = img.Region(rects[0])
		}
		hist := faceHistogram(region)
		if region.Ptr() != img.Ptr() {
			region.Close()
		}
		img.Close()
		m.known = append(m.known, hist)
	}
	return nil
}

func (m *faceMatcher) MatchKnown(frame []byte) (bool, error) {
	if len(m.known) == 0 {
		return false, nil
	}
	img, err := gocv.IMDecode(frame, gocv.IMReadGrayScale)
	if err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}
	defer img.Close()

	for _, rect := range m.cascade.DetectMultiScale(img) {
		face := img.Region(rect)
		hist := faceHistogram(face)
		face.Close()
		for _, ref := range m.known {
			if gocv.CompareHist(hist, ref, gocv.HistCmpCorrel) >= m.minScore {
				hist.Close()
				return true, nil
			}
		}
		hist.Close()
	}
	return false, nil
}

func (m *faceMatcher) Close() error {
	for _, h := range m.known {
		h.Close()
	}
	m.known = nil
	return m.cascade.Close()
}

func faceHistogram(face gocv.Mat) gocv.Mat {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(face, &resized, image.Pt(faceSampleSize, faceSampleSize), 0, 0, gocv.InterpolationLinear)

	hist := gocv.NewMat()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.CalcHist([]gocv.Mat{resized}, []int{0}, mask, &hist, []int{64}, []float64{0, 256}, false)
	gocv.Normalize(hist, &hist, 0, 1, gocv.NormMinMax)
	return hist
}

func decodeColor(frame []byte) (gocv.Mat, error) {
	img, err := gocv.IMDecode(frame, gocv.IMReadColor)
	if err != nil {
		return img, fmt.Errorf("decode frame: %w", err)
	}
	if img.Empty() {
		img.Close()
		return img, errors.New("decode frame: empty image")
	}
	return img, nil
}
