// Package timeline orders rendered clips into one timeline and picks the optional
// background bed that is mixed under the narration.
package timeline

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sceneForge/worker/clip"
	"sceneForge/worker/matcher"
	"sceneForge/worker/taskerr"
)

// BedGain is the fixed linear gain applied to the background bed. Narration keeps unit gain.
const BedGain = 0.1

type Timeline struct {
	Clips    []clip.Clip
	Duration time.Duration
	// Bed is the background music file, "" for a narration-only mix.
	Bed     string
	BedGain float64
}

type Composer struct {
	bgmDir string
	exts   []string

	mu   sync.Mutex
	rand *rand.Rand

	logger *zap.Logger
}

// NewComposer returns a composer choosing beds from bgmDir. An empty bgmDir disables
// the bed. rng may be nil, in which case a randomly seeded source is used.
func NewComposer(bgmDir string, rng *rand.Rand, logger *zap.Logger) *Composer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Composer{bgmDir: bgmDir, exts: matcher.DefaultAudioExts, rand: rng, logger: logger}
}

// Compose validates clip order and selects a bed. Clips must already be in strictly
// ascending scene order; Compose never reorders them.
func (c *Composer) Compose(clips []clip.Clip) (Timeline, error) {
	if len(clips) == 0 {
		return Timeline{}, taskerr.Composition(nil, "no clips to compose")
	}

	var total time.Duration
	for i, cl := range clips {
		if i > 0 && cl.SceneID <= clips[i-1].SceneID {
			return Timeline{}, taskerr.Composition(nil,
				"clips out of order: scene %d follows scene %d", cl.SceneID, clips[i-1].SceneID)
		}
		if cl.Duration <= 0 {
			return Timeline{}, taskerr.Composition(nil, "scene %d has no duration", cl.SceneID)
		}
		total += cl.Duration
	}

	bed, err := c.pickBed()
	if err != nil {
		c.logger.Warn("Background music unavailable, composing narration only",
			zap.String("bgm_dir", c.bgmDir),
			zap.Error(err),
		)
		bed = ""
	}

	tl := Timeline{
		Clips:    append([]clip.Clip(nil), clips...),
		Duration: total,
		Bed:      bed,
	}
	if bed != "" {
		tl.BedGain = BedGain
	}

	c.logger.Info("Timeline composed",
		zap.Int("clips", len(clips)),
		zap.Duration("duration", total),
		zap.String("bgm", bed),
	)
	return tl, nil
}

// Candidates lists the background music files available, sorted by name.
func (c *Composer) Candidates() ([]string, error) {
	if c.bgmDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(c.bgmDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bgm directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if hasAudioExt(c.exts, entry.Name()) {
			files = append(files, filepath.Join(c.bgmDir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (c *Composer) pickBed() (string, error) {
	files, err := c.Candidates()
	if err != nil || len(files) == 0 {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return files[c.rand.IntN(len(files))], nil
}

func hasAudioExt(exts []string, name string) bool {
	ext := filepath.Ext(name)
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
