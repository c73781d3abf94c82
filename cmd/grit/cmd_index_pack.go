package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/skyline93/grit/internal/grit"
	"github.com/skyline93/grit/internal/pack"
	"github.com/skyline93/grit/internal/pack/index"
)

var cmdIndexPack = &cobra.Command{
	Use:   "index-pack [flags] PACKFILE",
	Short: "Build a pack index for an existing pack file",
	Long: `
The "index-pack" command reads a pack file, resolves every object in it,
verifies the trailer checksum, and writes the corresponding .idx file.

Without -o the index file name is constructed from the name of the pack
file by replacing ".pack" with ".idx".

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	Args:              cobra.ExactArgs(1),
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIndexPack(cmd.Context(), args[0], indexPackOptions.IndexFile)
	},
}

// IndexPackOptions bundles all options for the index-pack command.
type IndexPackOptions struct {
	IndexFile string
	Workers   int
}

var indexPackOptions IndexPackOptions

func init() {
	cmdRoot.AddCommand(cmdIndexPack)

	f := cmdIndexPack.Flags()
	f.StringVarP(&indexPackOptions.IndexFile, "output", "o", "", "write the index to `file`")
	f.IntVar(&indexPackOptions.Workers, "workers", 0, "resolve deltas with `n` workers (default: number of CPUs)")
}

func runIndexPack(ctx context.Context, packFile, indexFile string) error {
	if indexFile == "" {
		if !strings.HasSuffix(packFile, ".pack") {
			return errors.New("pack-file does not end with '.pack'")
		}
		indexFile = strings.TrimSuffix(packFile, ".pack") + ".idx"
	}
	if indexFile == packFile {
		return errors.New("pack-file and index-file are the same file")
	}

	opts := pack.DefaultDecodeOptions()
	opts.Workers = indexPackOptions.Workers

	d, err := pack.Open(packFile, opts)
	if err != nil {
		return err
	}
	defer d.Close()

	res, err := d.Decode(ctx, func(id grit.ID, kind grit.ObjectKind, data []byte) error {
		return nil
	})
	if err != nil {
		return err
	}

	if err := index.WriteFile(indexFile, res.Entries, res.Trailer); err != nil {
		return err
	}

	log.Infof("indexed %d objects from %v", res.Objects, packFile)
	return nil
}
