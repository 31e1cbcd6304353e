package motion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// Score is the per-frame measurement against the rolling reference.
type Score struct {
	// Area is the summed contour area of changed regions, in pixels.
	Area float64
	// Intensity is the strongest per-pixel difference (0-255).
	Intensity float64
}

// Scorer measures a JPEG frame against its reference.
type Scorer interface {
	Score(frame []byte, cfg config.MotionConfig) (Score, error)
	Reset()
	Close() error
}

// IsMotion applies the min-area and sensitivity thresholds.
func IsMotion(s Score, cfg config.MotionConfig) bool {
	return s.Area >= float64(cfg.MinArea) && s.Intensity >= float64(cfg.Sensitivity)
}

// Episode is a span of motion frames extended through gaps shorter than
// the cooldown.
type Episode struct {
	ID           string
	StartedAt    time.Time
	EndedAt      time.Time
	Frames       int
	MotionFrames int
	PeakArea     float64
	Confirmed    bool
}

// Decision is the gate's verdict for one frame.
type Decision struct {
	Motion bool
	// EpisodeOpen is true while an episode spans this frame, including the
	// frame that closes it.
	EpisodeOpen bool
	// Opened marks the first frame of a new episode.
	Opened bool
	// Closed marks the frame on which the cooldown elapsed.
	Closed bool
	// Suppressed is set when confirmation vetoed an opening frame.
	Suppressed bool
	Episode    Episode
}

// Stats mirrors what the status page shows about detection.
type Stats struct {
	FramesProcessed int64
	MotionFrames    int64
	Episodes        int64
	Suppressed      int64
	ScoreErrors     int64
	LastMotionTime  time.Time
	LastScore       Score
}

// Gate debounces per-frame motion into episodes. After the last motion
// frame, CooldownFrames consecutive quiet frames must pass before the
// episode closes; motion inside that window extends the same episode.
//
// Gate is driven from the single pipeline worker; Stats is safe to call
// from other goroutines.
type Gate struct {
	scorer Scorer
	filter *ConfirmationFilter
	logger recorderlog.Logger
	now    func() time.Time

	open    bool
	quiet   int
	episode Episode

	mu    sync.Mutex
	stats Stats
}

// NewGate builds a gate. scorer and filter may be nil when the caller only
// uses Observe.
func NewGate(scorer Scorer, filter *ConfirmationFilter, logger recorderlog.Logger) *Gate {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Gate{
		scorer: scorer,
		filter: filter,
		logger: logger.Named("gate"),
		now:    time.Now,
	}
}

// Observe advances the debounce state with one frame's motion flag.
func (g *Gate) Observe(motion bool, cooldown int) Decision {
	if cooldown < 1 {
		cooldown = 1
	}
	now := g.now()
	d := Decision{Motion: motion}

	g.mu.Lock()
	g.stats.FramesProcessed++
	if motion {
		g.stats.MotionFrames++
		g.stats.LastMotionTime = now
	}
	g.mu.Unlock()

	switch {
	case !g.open && !motion:
		return d
	case !g.open && motion:
		g.open = true
		g.quiet = 0
		g.episode = Episode{ID: uuid.NewString(), StartedAt: now}
		d.Opened = true
		g.mu.Lock()
		g.stats.Episodes++
		g.mu.Unlock()
	case motion:
		g.quiet = 0
	default:
		g.quiet++
	}

	g.episode.Frames++
	if motion {
		g.episode.MotionFrames++
	}
	d.EpisodeOpen = true

	if g.quiet >= cooldown {
		g.episode.EndedAt = now
		d.Closed = true
		g.open = false
		g.quiet = 0
	}
	d.Episode = g.episode
	return d
}

// Discard drops the episode that the last Observe opened. The next motion
// frame will try to open a new one.
func (g *Gate) Discard() {
	if !g.open {
		return
	}
	g.open = false
	g.quiet = 0
	g.episode = Episode{}
	g.mu.Lock()
	g.stats.Episodes--
	g.stats.Suppressed++
	g.mu.Unlock()
}

// Evaluate scores frame, debounces it, and runs confirmation on frames that
// would open an episode. A frame that fails to score counts as quiet.
func (g *Gate) Evaluate(ctx context.Context, frame []byte, cfg *config.Config) Decision {
	motion := false
	var area float64
	if g.scorer != nil {
		s, err := g.scorer.Score(frame, cfg.Motion)
		g.mu.Lock()
		if err != nil {
			g.stats.ScoreErrors++
		} else {
			g.stats.LastScore = s
		}
		g.mu.Unlock()
		if err != nil {
			g.logger.Debug("Frame could not be scored", recorderlog.Error(err))
		} else {
			motion = IsMotion(s, cfg.Motion)
			area = s.Area
		}
	}

	d := g.Observe(motion, cfg.Motion.CooldownFrames)
	if d.EpisodeOpen && motion && area > g.episode.PeakArea {
		g.episode.PeakArea = area
		d.Episode.PeakArea = area
	}
	if !d.Opened {
		return d
	}

	if g.filter != nil {
		c := g.filter.Confirm(ctx, frame, cfg.AI)
		if !c.Confirmed {
			g.logger.Info("Motion not confirmed", recorderlog.String("reason", c.Reason))
			g.Discard()
			return Decision{Motion: true, Suppressed: true}
		}
	}
	g.episode.Confirmed = true
	d.Episode.Confirmed = true
	return d
}

// Reset returns the gate to idle and clears the scorer's reference.
func (g *Gate) Reset() {
	g.open = false
	g.quiet = 0
	g.episode = Episode{}
	if g.scorer != nil {
		g.scorer.Reset()
	}
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Close releases the scorer and the filter's models.
func (g *Gate) Close() error {
	var first error
	if g.scorer != nil {
		first = g.scorer.Close()
	}
	if g.filter != nil {
		if err := g.filter.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
