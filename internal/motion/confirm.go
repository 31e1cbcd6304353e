package motion

import (
	"context"
	"errors"
	"sync"

	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// Policies for an enabled stage whose model is unavailable.
const (
	PolicyFailOpen   = "fail_open"
	PolicyFailClosed = "fail_closed"
)

// PersonDetector reports whether a person is visible in a JPEG frame.
type PersonDetector interface {
	DetectPerson(frame []byte) (bool, error)
	Close() error
}

// FaceMatcher reports whether a face in the frame belongs to the allow-list.
// A match vetoes the recording: allow-listed residents never trigger an
// event, and there is no mode that records only recognized faces.
type FaceMatcher interface {
	MatchKnown(frame []byte) (bool, error)
	Close() error
}

// PersonLoader and FaceLoader build classifiers from the AI config. They
// return a ModelUnavailableError when the model cannot be loaded.
type (
	PersonLoader func(cfg config.AIConfig) (PersonDetector, error)
	FaceLoader   func(cfg config.AIConfig) (FaceMatcher, error)
)

// Confirmation is the filter's verdict on an opening frame.
type Confirmation struct {
	Confirmed bool
	Reason    string
	// Degraded is set when a stage was skipped or failed and the policy
	// decided the outcome.
	Degraded bool
}

// ConfirmationFilter is the optional AI gate chained after motion. Models
// are loaded on first use and reloaded when their configured paths change.
type ConfirmationFilter struct {
	logger     recorderlog.Logger
	loadPerson PersonLoader
	loadFace   FaceLoader

	mu         sync.Mutex
	person     PersonDetector
	personKey  string
	personErr  error
	face       FaceMatcher
	faceKey    string
	faceErr    error
	lastErr    error
}

type FilterOption func(*ConfirmationFilter)

func WithPersonLoader(l PersonLoader) FilterOption {
	return func(f *ConfirmationFilter) { f.loadPerson = l }
}

func WithFaceLoader(l FaceLoader) FilterOption {
	return func(f *ConfirmationFilter) { f.loadFace = l }
}

func NewConfirmationFilter(logger recorderlog.Logger, opts ...FilterOption) *ConfirmationFilter {
	if logger == nil {
		logger = recorderlog.L()
	}
	f := &ConfirmationFilter{
		logger:     logger.Named("confirm"),
		loadPerson: LoadPersonDetector,
		loadFace:   LoadFaceMatcher,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Confirm runs the enabled stages on frame. With no stage enabled the raw
// motion signal stands. A known face suppresses the event rather than
// permitting it.
func (f *ConfirmationFilter) Confirm(ctx context.Context, frame []byte, cfg config.AIConfig) Confirmation {
	if !cfg.PersonDetection && !cfg.FaceAllowlist {
		return Confirmation{Confirmed: true, Reason: "ai disabled"}
	}
	if err := ctx.Err(); err != nil {
		return f.decide(cfg, "cancelled", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cfg.PersonDetection {
		det, err := f.personFor(cfg)
		if err != nil {
			return f.decide(cfg, "person model unavailable", err)
		}
		present, err := det.DetectPerson(frame)
		if err != nil {
			return f.decide(cfg, "person detection failed", err)
		}
		if !present {
			return Confirmation{Reason: "no person"}
		}
	}

	if cfg.FaceAllowlist {
		m, err := f.faceFor(cfg)
		if err != nil {
			res := f.decide(cfg, "face model unavailable", err)
			if cfg.PersonDetection && res.Confirmed {
				res.Reason = "person; " + res.Reason
			}
			return res
		}
		known, err := m.MatchKnown(frame)
		if err != nil {
			return f.decide(cfg, "face matching failed", err)
		}
		if known {
			return Confirmation{Reason: "allow-listed face"}
		}
	}

	if cfg.PersonDetection {
		return Confirmation{Confirmed: true, Reason: "person"}
	}
	return Confirmation{Confirmed: true, Reason: "no known face"}
}

// decide applies the unavailable-model policy.
func (f *ConfirmationFilter) decide(cfg config.AIConfig, reason string, err error) Confirmation {
	f.lastErr = err
	if cfg.Policy == PolicyFailClosed {
		return Confirmation{Reason: reason + " (fail_closed)", Degraded: true}
	}
	return Confirmation{Confirmed: true, Reason: reason + " (fail_open)", Degraded: true}
}

// personFor returns the cached detector for cfg, loading it on a path
// change. A failed load is remembered and logged once per path.
func (f *ConfirmationFilter) personFor(cfg config.AIConfig) (PersonDetector, error) {
	key := cfg.PersonModelPath + "\x00" + cfg.PersonConfigPath
	if f.personKey == key && (f.person != nil || f.personErr != nil) {
		return f.person, f.personErr
	}
	if f.person != nil {
		_ = f.person.Close()
	}
	f.person, f.personErr, f.personKey = nil, nil, key

	det, err := f.loadPerson(cfg)
	if err != nil {
		f.personErr = asUnavailable("person", cfg.PersonModelPath, err)
		f.logger.Warn("Person detector unavailable",
			recorderlog.String("policy", policyName(cfg)),
			recorderlog.Error(f.personErr))
		return nil, f.personErr
	}
	f.person = det
	return det, nil
}

func (f *ConfirmationFilter) faceFor(cfg config.AIConfig) (FaceMatcher, error) {
	key := cfg.FaceCascadePath + "\x00" + cfg.FaceAllowlistDir
	if f.faceKey == key && (f.face != nil || f.faceErr != nil) {
		return f.face, f.faceErr
	}
	if f.face != nil {
		_ = f.face.Close()
	}
	f.face, f.faceErr, f.faceKey = nil, nil, key

	m, err := f.loadFace(cfg)
	if err != nil {
		f.faceErr = asUnavailable("face", cfg.FaceCascadePath, err)
		f.logger.Warn("Face matcher unavailable",
			recorderlog.String("policy", policyName(cfg)),
			recorderlog.Error(f.faceErr))
		return nil, f.faceErr
	}
	f.face = m
	return m, nil
}

// LastError returns the most recent stage failure, if any.
func (f *ConfirmationFilter) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *ConfirmationFilter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	if f.person != nil {
		errs = append(errs, f.person.Close())
		f.person = nil
	}
	if f.face != nil {
		errs = append(errs, f.face.Close())
		f.face = nil
	}
	f.personKey, f.faceKey = "", ""
	return errors.Join(errs...)
}

func asUnavailable(model, path string, err error) error {
	if IsModelUnavailable(err) {
		return err
	}
	return &ModelUnavailableError{Model: model, Path: path, Err: err}
}

func policyName(cfg config.AIConfig) string {
	if cfg.Policy == PolicyFailClosed {
		return PolicyFailClosed
	}
	return PolicyFailOpen
}
