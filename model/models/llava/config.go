package llava

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/llava-go/llava/fs"
	"github.com/llava-go/llava/model/imageproc"
)

var (
	// ErrUnsupported is wrapped by every ConfigError.
	ErrUnsupported = errors.New("unsupported")

	// ErrPlaceholderMismatch reports a prompt whose image placeholders do
	// not pair up with the images supplied.
	ErrPlaceholderMismatch = errors.New("image placeholders and image features do not match")
)

// ConfigError reports a model configuration value this package cannot run.
type ConfigError struct {
	Key   string
	Value any
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("llava: %s %v: %v", e.Key, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func unsupported(key string, value any) *ConfigError {
	return &ConfigError{Key: key, Value: value, Err: ErrUnsupported}
}

// DataError reports inputs that are inconsistent with each other or with
// the model, such as a prompt with more image placeholders than images.
type DataError struct {
	Op  string
	Err error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("llava: %s: %v", e.Op, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func dataErrorf(op, format string, args ...any) *DataError {
	return &DataError{Op: op, Err: fmt.Errorf(format, args...)}
}

// MergePolicy selects how the tiles of an image are laid out as tokens.
type MergePolicy int

const (
	MergeFlat MergePolicy = iota
	MergeSpatial
	MergeSpatialUnpad
)

func (p MergePolicy) String() string {
	switch p {
	case MergeFlat:
		return "flat"
	case MergeSpatial:
		return "spatial"
	case MergeSpatialUnpad:
		return "spatial_unpad"
	default:
		return "MergePolicy(" + strconv.Itoa(int(p)) + ")"
	}
}

func parseMergePolicy(s string) (MergePolicy, error) {
	switch s {
	case "flat":
		return MergeFlat, nil
	case "spatial":
		return MergeSpatial, nil
	case "spatial_unpad":
		return MergeSpatialUnpad, nil
	default:
		return 0, unsupported("mm_patch_merge_type", s)
	}
}

// AspectRatio is the preprocessing applied to an image before encoding.
type AspectRatio int

const (
	// AspectCrop resizes the shortest edge and center crops.
	AspectCrop AspectRatio = iota
	// AspectPad letterboxes to a square with the mean color first.
	AspectPad
	// AspectAnyRes encodes a downscaled base image plus tiles of the image
	// resized to the best matching pinpoint.
	AspectAnyRes
)

func (a AspectRatio) String() string {
	switch a {
	case AspectCrop:
		return "crop"
	case AspectPad:
		return "pad"
	case AspectAnyRes:
		return "anyres"
	default:
		return fmt.Sprintf("AspectRatio(%d)", int(a))
	}
}

func parseAspectRatio(s string) (AspectRatio, error) {
	switch s {
	case "", "square", "crop":
		return AspectCrop, nil
	case "pad":
		return AspectPad, nil
	case "anyres":
		return AspectAnyRes, nil
	default:
		return 0, unsupported("image_aspect_ratio", s)
	}
}

var mlpGELU = regexp2.MustCompile(`^mlp(\d+)x_gelu$`, regexp2.None)

// parseProjector returns the number of linear layers of the projector.
// Zero is the identity projector.
func parseProjector(s string) (int, error) {
	switch s {
	case "linear":
		return 1, nil
	case "identity":
		return 0, nil
	}

	m, err := mlpGELU.FindStringMatch(s)
	if err != nil {
		return 0, err
	}

	if m != nil {
		if depth, err := strconv.Atoi(m.GroupByNumber(1).String()); err == nil && depth > 0 {
			return depth, nil
		}
	}

	return 0, unsupported("mm_projector_type", s)
}

// Options is the validated configuration of a LLaVA model.
type Options struct {
	SelectLayer       int
	IncludeClassToken bool

	MergePolicy    MergePolicy
	ProjectorDepth int

	AspectRatio AspectRatio
	Pinpoints   []image.Point

	// ImageSize is the side of a tile in pixels and PatchSize the side of
	// a patch, so a tile holds (ImageSize/PatchSize)² patches.
	ImageSize, PatchSize int

	ShortestEdge int
	ImageMean    [3]float32
	ImageSTD     [3]float32

	ImageTokenIndex int32
	MaxLength       int
	UseImStartEnd   bool
	EOS             []int32

	DType string
}

// ProjectorType names the projector kind in the form it is configured with.
func (o *Options) ProjectorType() string {
	switch o.ProjectorDepth {
	case 0:
		return "identity"
	case 1:
		return "linear"
	default:
		return fmt.Sprintf("mlp%dx_gelu", o.ProjectorDepth)
	}
}

// TilePatches is the number of patches along one side of a tile.
func (o *Options) TilePatches() int {
	return o.ImageSize / o.PatchSize
}

const (
	defaultImageTokenIndex = -200
	defaultVisionTower     = "openai/clip-vit-large-patch14-336"
)

// ParseOptions validates c. Every unsupported value is reported as a
// *ConfigError naming the offending key.
func ParseOptions(c fs.Config) (*Options, error) {
	opts := Options{
		SelectLayer:     int(c.Int("mm_vision_select_layer", -2)),
		ImageSize:       int(c.Uint("vision_config.image_size", 336)),
		PatchSize:       int(c.Uint("vision_config.patch_size", 14)),
		ImageTokenIndex: c.Int("image_token_index", defaultImageTokenIndex),
		MaxLength:       int(c.Uint("tokenizer_model_max_length")),
		UseImStartEnd:   c.Bool("mm_use_im_start_end"),
		DType:           c.String("torch_dtype"),
		EOS:             c.Ints("eos_token_id"),
	}

	if opts.SelectLayer != -1 && opts.SelectLayer != -2 {
		return nil, unsupported("mm_vision_select_layer", opts.SelectLayer)
	}

	switch feature := c.String("mm_vision_select_feature", "patch"); feature {
	case "patch":
	case "cls_patch":
		opts.IncludeClassToken = true
	default:
		return nil, unsupported("mm_vision_select_feature", feature)
	}

	var err error
	if opts.MergePolicy, err = parseMergePolicy(c.String("mm_patch_merge_type", "flat")); err != nil {
		return nil, err
	}

	if opts.ProjectorDepth, err = parseProjector(c.String("mm_projector_type", "linear")); err != nil {
		return nil, err
	}

	if opts.AspectRatio, err = parseAspectRatio(c.String("image_aspect_ratio")); err != nil {
		return nil, err
	}

	switch opts.DType {
	case "", "float16", "bfloat16", "float32":
	default:
		return nil, unsupported("torch_dtype", opts.DType)
	}

	// the vision tower shape comes from vision_config when present and
	// otherwise must be the tower these defaults describe
	if tower := c.String("mm_vision_tower"); c.Uint("vision_config.hidden_size") == 0 && tower != "" && !strings.HasSuffix(tower, strings.TrimPrefix(defaultVisionTower, "openai/")) {
		return nil, unsupported("mm_vision_tower", tower)
	}

	if opts.PatchSize <= 0 || opts.ImageSize%opts.PatchSize != 0 {
		return nil, unsupported("vision_config.patch_size", opts.PatchSize)
	}

	if v := c.Value("image_grid_pinpoints"); v != nil {
		pinpoints, err := parsePinpoints(v)
		if err != nil {
			return nil, &ConfigError{Key: "image_grid_pinpoints", Value: v, Err: err}
		}
		opts.Pinpoints = pinpoints
	}

	if opts.AspectRatio == AspectAnyRes && len(opts.Pinpoints) == 0 {
		return nil, &ConfigError{Key: "image_grid_pinpoints", Value: nil, Err: fmt.Errorf("%w: anyres requires pinpoints", ErrUnsupported)}
	}

	opts.ShortestEdge = int(c.Uint("preprocessor.size.shortest_edge", uint32(opts.ImageSize)))
	if crop := c.Uint("preprocessor.crop_size.height", c.Uint("preprocessor.crop_size")); crop != 0 && int(crop) != opts.ImageSize {
		return nil, unsupported("preprocessor.crop_size", crop)
	}

	opts.ImageMean = channels(c.Floats("preprocessor.image_mean"), imageproc.ClipDefaultMean)
	opts.ImageSTD = channels(c.Floats("preprocessor.image_std"), imageproc.ClipDefaultSTD)

	return &opts, nil
}

func channels(s []float32, fallback [3]float32) [3]float32 {
	if len(s) != 3 {
		return fallback
	}

	return [3]float32{s[0], s[1], s[2]}
}

// parsePinpoints reads a JSON list of [width, height] pairs.
func parsePinpoints(v any) ([]image.Point, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: pinpoints must be a list", ErrUnsupported)
	}

	pinpoints := make([]image.Point, 0, len(items))
	for _, item := range items {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("%w: pinpoint %v is not a [width, height] pair", ErrUnsupported, item)
		}

		w, wok := pair[0].(float64)
		h, hok := pair[1].(float64)
		if !wok || !hok || w <= 0 || h <= 0 {
			return nil, fmt.Errorf("%w: pinpoint %v is not a positive size", ErrUnsupported, item)
		}

		pinpoints = append(pinpoints, image.Point{int(w), int(h)})
	}

	return pinpoints, nil
}
