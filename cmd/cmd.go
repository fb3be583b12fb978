package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/llava-go/llava/api"
	"github.com/llava-go/llava/envconfig"
	"github.com/llava-go/llava/logutil"
	"github.com/llava-go/llava/model/models/llava"
	"github.com/llava-go/llava/server"
	"github.com/llava-go/llava/version"
)

const defaultPrompt = "Is this a cat?"

func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	if err := client.Heartbeat(cmd.Context()); err != nil {
		if !errors.Is(err, syscall.ECONNREFUSED) {
			return err
		}

		return fmt.Errorf("could not connect to llava at %s, is `llava serve` running?", envconfig.Host())
	}

	return nil
}

func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	return server.Serve(ln)
}

func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Println("Warning: could not connect to a running llava instance")
	}

	if serverVersion != "" {
		fmt.Printf("llava version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Printf("Warning: client version is %s\n", version.Version)
	}
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "llava",
		Short:         "Ask questions about images with LLaVA models",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	runCmd := &cobra.Command{
		Use:   "run MODEL [PROMPT]",
		Short: "Load a model and answer a question about images",
		Long: `Load a model from a directory holding config.json and safetensors weights
and answer PROMPT about the images given with --image. MODEL is a path or the
name of a directory under the models path.`,
		Args: cobra.MinimumNArgs(1),
		RunE: RunHandler,
	}

	runCmd.Flags().StringSliceP("image", "i", nil, "Image file to ask about, may be repeated")
	runCmd.Flags().String("conv-mode", "", fmt.Sprintf("Conversation template (one of %s), detected from the model name by default", strings.Join(llava.ConversationModes(), ", ")))
	runCmd.Flags().Float32("temperature", 0.2, "Sampling temperature, 0 for greedy decoding")
	runCmd.Flags().Float32("top-p", 1, "Nucleus sampling threshold")
	runCmd.Flags().Int("top-k", 0, "Sample from the k most likely tokens only")
	runCmd.Flags().Float32("min-p", 0, "Drop tokens less likely than min-p times the most likely one")
	runCmd.Flags().Uint64("seed", 299792458, "Sampling seed")
	runCmd.Flags().Int("max-new-tokens", 512, "Maximum number of tokens to generate")
	runCmd.Flags().Bool("no-kv-cache", false, "Recompute the full sequence at every step")
	runCmd.Flags().Bool("verbose", false, "Show timings for response")

	showCmd := &cobra.Command{
		Use:     "show MODEL",
		Short:   "Show information for a model loaded by the server",
		Args:    cobra.ExactArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    ShowHandler,
	}

	showCmd.Flags().Bool("modelinfo", false, "Show every model configuration key")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start llava",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	envVars := envconfig.AsMap()
	names := make([]string, 0, len(envVars))
	for name := range envVars {
		names = append(names, name)
	}
	slices.Sort(names)

	serveEnvs := make([]envconfig.EnvVar, 0, len(names))
	for _, name := range names {
		serveEnvs = append(serveEnvs, envVars[name])
	}
	appendEnvDocs(serveCmd, serveEnvs)
	appendEnvDocs(runCmd, []envconfig.EnvVar{envVars["LLAVA_DEBUG"], envVars["LLAVA_MODELS"], envVars["LLAVA_NO_KV_CACHE"], envVars["LLAVA_NUM_THREADS"]})
	appendEnvDocs(showCmd, []envconfig.EnvVar{envVars["LLAVA_HOST"]})

	rootCmd.AddCommand(
		serveCmd,
		runCmd,
		showCmd,
	)

	return rootCmd
}
