package cmd

import (
	"fmt"
	"io"
	"os"

	"go-kemono-download/internal/filter"
	"go-kemono-download/internal/knownnames"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var knownCmd = &cobra.Command{
	Use:   "known",
	Short: "Manage the Known.txt list of character names",
	Long: `Known.txt holds the names used to sort posts into folders when no
character filter is given. One entry per line, in character filter syntax:
  Tifa
  (Cloud, Zack)~`,
}

var knownListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the known names",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := knownnames.Load(knownNamesPath(globalConfig))
		if err != nil {
			return err
		}
		printKnown(os.Stdout, reg.Snapshot())
		return nil
	},
}

var knownAddCmd = &cobra.Command{
	Use:   "add [ENTRY]",
	Short: "Add names, e.g. 'Tifa, (Cloud, Zack)~'",
	Long: `Adds one or more comma-separated entries. A group written with a trailing
~ is stored as one line; a group without it is stored as one line per name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := filter.ParseCharacterFilter(args[0])
		if err != nil {
			return fmt.Errorf("invalid entry %q: %w", args[0], err)
		}
		path := knownNamesPath(globalConfig)
		reg, err := knownnames.Load(path)
		if err != nil {
			return err
		}
		added := 0
		for _, e := range entries {
			n, err := reg.Add(e)
			if err != nil {
				return err
			}
			added += n
		}
		log.Infof("Added %d name(s) to %s (%d total)", added, path, reg.Len())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(knownCmd)
	knownCmd.AddCommand(knownListCmd, knownAddCmd)
}

func printKnown(w io.Writer, entries filter.CharacterFilter) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No known names.")
		return
	}
	for _, e := range entries {
		fmt.Fprintln(w, e.String())
	}
}
