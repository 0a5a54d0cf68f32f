// Package matcher resolves per-scene artifacts written by upstream producers into an
// ordered manifest. Artifacts follow the convention <dir>/scene_<id><ext>.
package matcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"sceneForge/worker/taskerr"
)

var (
	DefaultAudioExts = []string{".mp3", ".wav", ".ogg", ".m4a"}
	DefaultImageExts = []string{".png", ".jpg", ".jpeg", ".webp"}
)

const (
	DefaultSubtitleExt = ".srt"
	scenePrefix        = "scene_"
)

// Layout describes where each artifact kind lives and which extensions are tried,
// in priority order.
type Layout struct {
	AudioDir     string
	ImagesDir    string
	SubtitlesDir string
	AudioExts    []string
	ImageExts    []string
	SubtitleExt  string
}

// NewLayout returns a layout using the default extension lists.
func NewLayout(audioDir, imagesDir, subtitlesDir string) Layout {
	return Layout{
		AudioDir:     audioDir,
		ImagesDir:    imagesDir,
		SubtitlesDir: subtitlesDir,
		AudioExts:    DefaultAudioExts,
		ImageExts:    DefaultImageExts,
		SubtitleExt:  DefaultSubtitleExt,
	}
}

type Bundle struct {
	SceneID  int
	Audio    string
	Image    string
	Subtitle string
}

// Manifest is the ordered, complete set of bundles for one composition.
type Manifest struct {
	Bundles []Bundle
}

func (m Manifest) Len() int { return len(m.Bundles) }

// SceneName is the file stem used for scene id.
func SceneName(id int) string {
	return scenePrefix + strconv.Itoa(id)
}

// Match resolves every expected scene id. It fails closed: if any id lacks its audio
// or image, the returned error lists every gap and no manifest is produced.
func (l Layout) Match(ids []int) (Manifest, error) {
	if len(ids) == 0 {
		return Manifest{}, taskerr.Validationf("no scene ids expected")
	}

	sorted := make([]int, len(ids))
	copy(sorted, ids)
	sort.Ints(sorted)
	for i, id := range sorted {
		if id < 0 {
			return Manifest{}, taskerr.Validationf("negative scene id %d", id)
		}
		if i > 0 && sorted[i-1] == id {
			return Manifest{}, taskerr.Validationf("duplicate scene id %d", id)
		}
	}

	var (
		bundles = make([]Bundle, 0, len(sorted))
		missing []taskerr.MissingArtifact
	)
	for _, id := range sorted {
		name := SceneName(id)

		audio, err := findWithExts(l.AudioDir, name, l.AudioExts)
		if err != nil {
			return Manifest{}, err
		}
		image, err := findWithExts(l.ImagesDir, name, l.ImageExts)
		if err != nil {
			return Manifest{}, err
		}

		if audio == "" {
			missing = append(missing, taskerr.MissingArtifact{
				SceneID: id, Kind: "audio", Pattern: pattern(l.AudioDir, name, l.AudioExts),
			})
		}
		if image == "" {
			missing = append(missing, taskerr.MissingArtifact{
				SceneID: id, Kind: "image", Pattern: pattern(l.ImagesDir, name, l.ImageExts),
			})
		}
		if audio == "" || image == "" {
			continue
		}

		subtitle := ""
		if l.SubtitlesDir != "" && l.SubtitleExt != "" {
			subtitle, err = findWithExts(l.SubtitlesDir, name, []string{l.SubtitleExt})
			if err != nil {
				return Manifest{}, err
			}
		}

		bundles = append(bundles, Bundle{SceneID: id, Audio: audio, Image: image, Subtitle: subtitle})
	}

	if len(missing) > 0 {
		return Manifest{}, &taskerr.ArtifactMissingError{Missing: missing}
	}
	return Manifest{Bundles: bundles}, nil
}

// DiscoverSceneIDs lists, ascending, every scene id with an audio or image artifact.
// Ids present in only one directory are kept so that Match reports the gap.
func (l Layout) DiscoverSceneIDs() ([]int, error) {
	seen := make(map[int]bool)
	for _, src := range []struct {
		dir  string
		exts []string
	}{
		{l.AudioDir, l.AudioExts},
		{l.ImagesDir, l.ImageExts},
	} {
		err := collectSceneIDs(src.dir, src.exts, seen)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read scene directory %s: %w", src.dir, err)
		}
	}

	if len(seen) == 0 {
		return nil, taskerr.Composition(nil, "no scene artifacts found in %s or %s", l.AudioDir, l.ImagesDir)
	}

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func collectSceneIDs(dir string, exts []string, seen map[int]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if !hasExt(exts, ext) {
			continue
		}
		stem := strings.TrimSuffix(name, ext)
		if !strings.HasPrefix(stem, scenePrefix) {
			continue
		}
		digits := strings.TrimPrefix(stem, scenePrefix)
		if digits == "" || strings.Trim(digits, "0123456789") != "" {
			continue
		}
		id, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		seen[id] = true
	}
	return nil
}

func findWithExts(dir, name string, exts []string) (string, error) {
	for _, ext := range exts {
		path := filepath.Join(dir, name+ext)
		info, err := os.Stat(path)
		if err == nil {
			if info.Mode().IsRegular() {
				return path, nil
			}
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return "", nil
}

func hasExt(exts []string, ext string) bool {
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func pattern(dir, name string, exts []string) string {
	return filepath.Join(dir, name) + "{" + strings.Join(exts, ",") + "}"
}
