package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/skyline93/grit/internal/grit"
)

var version = "0.3.0"

// GlobalOptions bundles the flags shared by every subcommand.
type GlobalOptions struct {
	HashAlgorithm string
	Debug         bool
}

var globalOptions GlobalOptions

// cmdRoot is the base command when no other command has been specified.
var cmdRoot = &cobra.Command{
	Use:   "grit",
	Short: "Work with Git object and pack data",
	Long: `
grit is a Git-compatible version-control client. The subcommands here
operate on pack files: building indexes, verifying integrity, and
listing contents.
`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if globalOptions.Debug {
			log.SetLevel(log.DebugLevel)
		}
		kind, err := grit.ParseHashKind(globalOptions.HashAlgorithm)
		if err != nil {
			return err
		}
		grit.SetHashKind(kind)
		return nil
	},

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(0)
	},
}

func init() {
	f := cmdRoot.PersistentFlags()
	f.StringVar(&globalOptions.HashAlgorithm, "hash", "sha1", "object ID algorithm, 'sha1' or 'sha256'")
	f.BoolVar(&globalOptions.Debug, "debug", false, "enable debug logging")
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
