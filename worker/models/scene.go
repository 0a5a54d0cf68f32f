package models

// MaxScenes bounds the scenes one task may name, whether listed or counted.
const MaxScenes = 10000

// SceneDescriptor is one storyboard entry handed to an image batch.
// ID defaults to the descriptor's position when omitted.
type SceneDescriptor struct {
	ID     *int   `json:"id,omitempty"`
	Prompt string `json:"prompt"`
}

// SceneID resolves the effective scene id for the descriptor at position idx.
func (d SceneDescriptor) SceneID(idx int) int {
	if d.ID != nil {
		return *d.ID
	}
	return idx
}

type ImageBatchParams struct {
	Scenes      []SceneDescriptor `json:"scenes"`
	TotalScenes int               `json:"total_scenes"`
	OutputDir   string            `json:"output_directory"`
}

type ImageBatchResult struct {
	TotalImages     int      `json:"total_images"`
	CompletedImages int      `json:"completed_images"`
	OutputDirectory string   `json:"output_directory"`
	Files           []string `json:"files"`
}

// VideoCompositionParams describes which scenes a composition expects.
// With neither SceneIDs nor SceneCount set, scenes are discovered from the audio directory.
type VideoCompositionParams struct {
	SceneIDs   []int    `json:"scene_ids,omitempty"`
	SceneCount *int     `json:"scene_count,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	OutputPath string   `json:"output_path"`
}

// ExpectedSceneIDs returns the explicit scene expectation, or nil when none was given.
func (p VideoCompositionParams) ExpectedSceneIDs() []int {
	if len(p.SceneIDs) > 0 {
		out := make([]int, len(p.SceneIDs))
		copy(out, p.SceneIDs)
		return out
	}
	if p.SceneCount != nil {
		out := make([]int, *p.SceneCount)
		for i := range out {
			out[i] = i
		}
		return out
	}
	return nil
}

type VideoCompositionResult struct {
	OutputPath      string  `json:"output_path"`
	ClipCount       int     `json:"clip_count"`
	DurationSeconds float64 `json:"duration_seconds"`
	BackgroundMusic string  `json:"bgm,omitempty"`
	ObjectKey       string  `json:"object_key,omitempty"`
	Message         string  `json:"message"`
}
