package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func Main() {
	_ = godotenv.Load() // best-effort: load .env if present

	root := &cobra.Command{
		Use:          "clipforge",
		Short:        "Turn long videos into topic-focused clips",
		SilenceUsage: true,
	}
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	root.SilenceErrors = true

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serve.Flags().String("addr", "", "Listen address (overrides CLIPFORGE_ADDR)")

	process := &cobra.Command{
		Use:   "process <input>",
		Short: "Process a local video file without the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, args[0])
		},
	}
	process.Flags().String("context", "", "What the video is about")
	process.Flags().String("topics", "", "Comma-separated topics of interest")
	process.Flags().String("profile", "social", "Output profile: social, educational or reference")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check that ffmpeg, whisper.cpp and the LLM endpoint are available",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}

	root.AddCommand(serve, process, validate)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
