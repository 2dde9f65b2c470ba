package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "chatcore",
		Short:         "Stream chat completions with context, tools and history compression",
		Long:          "chatcore sends messages to an OpenAI-compatible endpoint, assembling attachments and memory into the system prompt, compressing history to fit the context window and gating the tool calls the model makes.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.config/chatcore/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&a.modelName, "model", "m", "", "model id, overriding the config")
	rootCmd.PersistentFlags().StringVarP(&a.workspace, "workspace", "w", "default", "workspace that file attachments belong to")

	rootCmd.AddCommand(
		newVersionCmd(),
		newSendCmd(a),
		newContinueCmd(a),
		newModelsCmd(a),
		newToolsCmd(a),
		newImportCmd(a),
	)
	return rootCmd
}
