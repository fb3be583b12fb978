// Package hf reads the JSON configuration files that ship with Hugging Face
// model repositories and exposes them as a flat fs.Config.
package hf

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/mitchellh/mapstructure"

	llavafs "github.com/llava-go/llava/fs"
)

// KV is a flattened view of config.json. Nested objects are joined with
// dots, so {"vision_config": {"hidden_size": 1024}} is available as
// "vision_config.hidden_size".
type KV map[string]any

var _ llavafs.Config = KV(nil)

// Meta holds the fields every architecture needs before the model
// constructor runs.
type Meta struct {
	ModelType     string   `mapstructure:"model_type"`
	Architectures []string `mapstructure:"architectures"`
	TorchDType    string   `mapstructure:"torch_dtype"`
	EOSTokenID    []int32  `mapstructure:"eos_token_id"`
	BOSTokenID    []int32  `mapstructure:"bos_token_id"`
}

// Load reads config.json from dir and merges generation_config.json and
// preprocessor_config.json when they exist. Keys from generation_config.json
// fill gaps in config.json; preprocessor keys are stored under "preprocessor.".
func Load(dir string) (KV, error) {
	kv := make(KV)
	if err := readInto(kv, filepath.Join(dir, "config.json"), ""); err != nil {
		return nil, err
	}

	generation := make(KV)
	if err := readInto(generation, filepath.Join(dir, "generation_config.json"), ""); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	for k, v := range generation {
		if _, ok := kv[k]; !ok {
			kv[k] = v
		}
	}

	if err := readInto(kv, filepath.Join(dir, "preprocessor_config.json"), "preprocessor"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	slog.Debug("loaded model config", "dir", dir, "keys", len(kv), "architecture", kv.Architecture())
	return kv, nil
}

func readInto(kv KV, path, prefix string) error {
	bts, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var m map[string]any
	if err := json.Unmarshal(bts, &m); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	kv.flatten(prefix, m)
	return nil
}

// FromMap builds a KV from an already decoded JSON object.
func FromMap(m map[string]any) KV {
	kv := make(KV)
	kv.flatten("", m)
	return kv
}

func (kv KV) flatten(prefix string, m map[string]any) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}

		if child, ok := v.(map[string]any); ok {
			kv.flatten(k, child)
			continue
		}

		kv[k] = v
	}
}

// Meta decodes the architecture independent fields. eos_token_id may be a
// scalar or a list in the wild; both decode to a slice.
func (kv KV) Meta() (Meta, error) {
	var meta Meta
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &meta,
	})
	if err != nil {
		return meta, err
	}

	if err := decoder.Decode(map[string]any(kv)); err != nil {
		return meta, err
	}

	return meta, nil
}

// Decode decodes the raw value at key into out.
func (kv KV) Decode(key string, out any) error {
	v, ok := kv[key]
	if !ok {
		return fmt.Errorf("hf: key %q not found", key)
	}

	return mapstructure.WeakDecode(v, out)
}

func (kv KV) Architecture() string {
	if s := kv.String("model_type"); s != "" {
		return s
	}

	if archs := kv.Strings("architectures"); len(archs) > 0 {
		return archs[0]
	}

	return "unknown"
}

func (kv KV) String(key string, defaultValue ...string) string {
	val, _ := keyValue(kv, key, append(defaultValue, "")...)
	return val
}

func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

func (kv KV) Int(key string, defaultValue ...int32) int32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

func (kv KV) Bool(key string, defaultValue ...bool) bool {
	val, _ := keyValue(kv, key, append(defaultValue, false)...)
	return val
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	val, _ := keyValue(kv, key, append(defaultValue, []string(nil))...)
	return val
}

func (kv KV) Ints(key string, defaultValue ...[]int32) []int32 {
	val, _ := keyValue(kv, key, append(defaultValue, []int32(nil))...)
	return val
}

func (kv KV) Floats(key string, defaultValue ...[]float32) []float32 {
	val, _ := keyValue(kv, key, append(defaultValue, []float32(nil))...)
	return val
}

func (kv KV) Len() int {
	return len(kv)
}

func (kv KV) Keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, k := range slices.Sorted(maps.Keys(kv)) {
			if !yield(k) {
				return
			}
		}
	}
}

func (kv KV) Value(key string) any {
	return kv[key]
}

type valueTypes interface {
	uint32 | int32 | float32 | string | bool |
		[]int32 | []float32 | []string
}

func keyValue[T valueTypes](kv KV, key string, defaultValue ...T) (T, bool) {
	raw, ok := kv[key]
	if !ok {
		slog.Debug("key not found", "key", key, "default", defaultValue[0])
		return defaultValue[0], false
	}

	if val, ok := convert[T](raw); ok {
		return val, true
	}

	slog.Debug("key with type not found", "key", key, "default", defaultValue[0])
	return defaultValue[0], false
}

// convert maps JSON decoded values (float64, string, bool, []any) to the
// requested type. Integers must be integral and in range.
func convert[T valueTypes](raw any) (T, bool) {
	var zero T
	var out any
	switch any(zero).(type) {
	case uint32:
		f, ok := raw.(float64)
		if !ok || f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
			return zero, false
		}
		out = uint32(f)
	case int32:
		f, ok := raw.(float64)
		if !ok || f < math.MinInt32 || f > math.MaxInt32 || f != math.Trunc(f) {
			return zero, false
		}
		out = int32(f)
	case float32:
		f, ok := raw.(float64)
		if !ok {
			return zero, false
		}
		out = float32(f)
	case string:
		s, ok := raw.(string)
		if !ok {
			return zero, false
		}
		out = s
	case bool:
		b, ok := raw.(bool)
		if !ok {
			return zero, false
		}
		out = b
	case []int32:
		s, ok := convertSlice[int32](raw)
		if !ok {
			return zero, false
		}
		out = s
	case []float32:
		s, ok := convertSlice[float32](raw)
		if !ok {
			return zero, false
		}
		out = s
	case []string:
		s, ok := convertSlice[string](raw)
		if !ok {
			return zero, false
		}
		out = s
	}

	return out.(T), true
}

func convertSlice[E int32 | float32 | string](raw any) ([]E, bool) {
	items, ok := raw.([]any)
	if !ok {
		// a scalar is accepted as a single element list
		if e, ok := convert[E](raw); ok {
			return []E{e}, true
		}
		return nil, false
	}

	s := make([]E, len(items))
	for i, item := range items {
		e, ok := convert[E](item)
		if !ok {
			return nil, false
		}
		s[i] = e
	}

	return s, true
}
