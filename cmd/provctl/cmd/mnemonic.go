package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/templui/provenance/internal/mnemonic"
	"github.com/templui/provenance/internal/snowflake"
)

func MnemonicCmd() *cobra.Command {
	mnemonicCmd := &cobra.Command{
		Use:   "mnemonic",
		Short: "Convert between ids and shareable word codes",
	}

	mnemonicCmd.AddCommand(&cobra.Command{
		Use:   "encode <id>",
		Short: "Print the word code for an id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), mnemonic.Encode(id))
			return nil
		},
	})

	mnemonicCmd.AddCommand(&cobra.Command{
		Use:   "decode <words...>",
		Short: "Print the id behind a word code and when it was minted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := mnemonic.Decode(strings.Join(args, " "))
			if err != nil {
				return err
			}
			parts := snowflake.Decompose(id)
			fmt.Fprintf(cmd.OutOrStdout(), "id:        %d\nminted:    %s\nworker:    %d\nsequence:  %d\n",
				id, parts.Time.UTC().Format(time.RFC3339Nano), parts.WorkerID, parts.Sequence)
			return nil
		},
	})

	return mnemonicCmd
}
