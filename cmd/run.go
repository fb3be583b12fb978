package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/llava-go/llava/api"
	"github.com/llava-go/llava/envconfig"
	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/model"
	"github.com/llava-go/llava/model/models/llava"
	"github.com/llava-go/llava/progress"
	"github.com/llava-go/llava/runner/llavarunner"
)

type runOptions struct {
	Model    string
	Prompt   string
	ConvMode string
	Images   [][]byte
	Options  llavarunner.Options
	Verbose  bool
}

// resolveModel accepts a model directory or the name of one under the
// models path.
func resolveModel(name string) (string, error) {
	for _, p := range []string{name, filepath.Join(envconfig.Models(), name)} {
		if _, err := os.Stat(filepath.Join(p, "config.json")); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("model %q not found: no config.json in %s or under %s", name, name, envconfig.Models())
}

func readImages(paths []string) ([][]byte, error) {
	images := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("couldn't read image %q: %w", p, err)
		}

		images = append(images, data)
	}

	return images, nil
}

func runOptionsFromFlags(cmd *cobra.Command, args []string) (runOptions, error) {
	opts := runOptions{Model: args[0]}
	flags := cmd.Flags()

	var err error
	var paths []string
	if paths, err = flags.GetStringSlice("image"); err != nil {
		return opts, err
	}

	if opts.Images, err = readImages(paths); err != nil {
		return opts, err
	}

	if opts.ConvMode, err = flags.GetString("conv-mode"); err != nil {
		return opts, err
	}

	if opts.Verbose, err = flags.GetBool("verbose"); err != nil {
		return opts, err
	}

	o := &opts.Options
	if o.Temperature, err = flags.GetFloat32("temperature"); err != nil {
		return opts, err
	}

	if o.TopP, err = flags.GetFloat32("top-p"); err != nil {
		return opts, err
	}

	if o.TopK, err = flags.GetInt("top-k"); err != nil {
		return opts, err
	}

	if o.MinP, err = flags.GetFloat32("min-p"); err != nil {
		return opts, err
	}

	if o.Seed, err = flags.GetUint64("seed"); err != nil {
		return opts, err
	}

	if o.MaxNewTokens, err = flags.GetInt("max-new-tokens"); err != nil {
		return opts, err
	}

	if o.MaxNewTokens < 0 {
		return opts, errors.New("--max-new-tokens must not be negative")
	}

	if o.NoCache, err = flags.GetBool("no-kv-cache"); err != nil {
		return opts, err
	}
	o.NoCache = o.NoCache || envconfig.NoKVCache()

	prompts := args[1:]
	// prepend stdin to the prompt if provided
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		in, err := io.ReadAll(os.Stdin)
		if err != nil {
			return opts, err
		}

		if s := strings.TrimSpace(string(in)); s != "" {
			prompts = append([]string{s}, prompts...)
		}
	}

	opts.Prompt = strings.Join(prompts, " ")
	if opts.Prompt == "" {
		opts.Prompt = defaultPrompt
	}

	return opts, nil
}

// loadModel opens the model at path, drawing a progress bar on stderr when
// it is a terminal.
func loadModel(ctx context.Context, path string) (model.Model, error) {
	m, err := model.New(path, ml.BackendParams{NumThreads: int(envconfig.NumThreads())})
	if err != nil {
		return nil, err
	}

	fn := func(float32) {}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		p := progress.NewProgress(os.Stderr)
		defer p.StopAndClear()

		bar := progress.NewBar("loading "+filepath.Base(path), m.Backend().Size())
		p.Add(bar)
		fn = bar.Set
	}

	if err := m.Backend().Load(ctx, fn); err != nil {
		m.Backend().Close()
		return nil, err
	}

	return m, nil
}

func RunHandler(cmd *cobra.Command, args []string) error {
	opts, err := runOptionsFromFlags(cmd, args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	path, err := resolveModel(opts.Model)
	if err != nil {
		return err
	}

	m, err := loadModel(ctx, path)
	if err != nil {
		return err
	}
	defer m.Backend().Close()

	if lm, ok := m.(*llava.Model); ok {
		opts.Options.EOS = lm.EOS
	}

	metrics, err := generate(ctx, os.Stdout, m, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	}

	if opts.Verbose {
		fmt.Fprint(os.Stderr, metrics.Summary())
	}

	return nil
}

// generate answers opts.Prompt and writes the answer to w as it is
// produced. The end of sequence token is not written.
func generate(ctx context.Context, w io.Writer, m model.Model, opts runOptions) (api.Metrics, error) {
	var metrics api.Metrics
	start := time.Now()

	mlctx := m.Backend().NewContext()
	defer mlctx.Close()

	var spinner *progress.Spinner
	if len(opts.Images) > 0 && term.IsTerminal(int(os.Stderr.Fd())) {
		p := progress.NewProgress(os.Stderr)
		spinner = progress.NewSpinner("encoding images")
		p.Add(spinner)
		defer p.StopAndClear()
	}

	mode := llava.ResolveConversationMode(filepath.Base(opts.Model), opts.ConvMode)
	fused, err := llavarunner.Prepare(mlctx, m, opts.Prompt, mode, opts.Images)
	if spinner != nil {
		spinner.Stop()
	}
	if err != nil {
		return metrics, err
	}

	session, err := llavarunner.NewSession(m, fused, opts.Options)
	if err != nil {
		return metrics, err
	}

	metrics.PromptEvalCount = fused.Dim(1)

	tokens := model.NewTextStream(m.TextProcessor())
	var firstToken time.Time
	for id, err := range session.Tokens(ctx) {
		if err != nil {
			return metrics, err
		}

		if firstToken.IsZero() {
			firstToken = time.Now()
			metrics.PromptEvalDuration = firstToken.Sub(start)
		}

		if session.Reason() == llavarunner.ReasonEOS {
			break
		}

		piece, err := tokens.Next(id)
		if err != nil {
			return metrics, err
		}

		if _, err := io.WriteString(w, piece); err != nil {
			return metrics, err
		}
	}

	piece, err := tokens.Flush()
	if err != nil {
		return metrics, err
	}

	if _, err := io.WriteString(w, piece+"\n"); err != nil {
		return metrics, err
	}

	metrics.EvalCount = session.Steps()
	if !firstToken.IsZero() {
		metrics.EvalDuration = time.Since(firstToken)
	}
	metrics.TotalDuration = time.Since(start)
	return metrics, nil
}
