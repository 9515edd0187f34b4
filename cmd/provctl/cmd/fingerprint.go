package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/templui/provenance/internal/config"
	"github.com/templui/provenance/internal/fingerprint"
)

func FingerprintCmd() *cobra.Command {
	var algorithm string

	fingerprintCmd := &cobra.Command{
		Use:   "fingerprint <file>",
		Short: "Print the exact digest and perceptual hashes of a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if algorithm == "" {
				algorithm = config.Load().DigestAlgorithm
			}
			fp, err := fingerprint.New(algorithm)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			result, err := fp.Fingerprint(data)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	fingerprintCmd.Flags().StringVar(&algorithm, "algorithm", "", "Digest algorithm (sha256 or blake3), defaults to DIGEST_ALGORITHM")

	return fingerprintCmd
}
