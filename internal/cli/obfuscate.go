package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/obfuscate"
)

// newObfuscator is swapped in tests to avoid depending on the host id.
var newObfuscator = func() (*obfuscate.Obfuscator, error) {
	return obfuscate.New(obfuscate.AppID)
}

func newObfuscateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "obfuscate TEXT",
		Short: "Encode text with a key bound to this machine",
		Long: "Encode text with a key derived from this machine's id. The result " +
			"keeps casual readers away from stored tokens but is not encryption.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newObfuscator()
			if err != nil {
				return err
			}
			encoded, err := o.Obfuscate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
}

func newDeobfuscateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deobfuscate TEXT",
		Short: "Decode text produced by obfuscate on this machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := newObfuscator()
			if err != nil {
				return err
			}
			text, err := o.Deobfuscate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}
