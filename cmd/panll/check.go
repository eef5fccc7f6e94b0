package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/panll/ensaid/internal/config"
	"github.com/panll/ensaid/pkg/constraint"
	"github.com/panll/ensaid/pkg/verify"
)

func checkCmd(flags *globalFlags) *cobra.Command {
	var (
		profile string
		tokens  []string
	)
	cmd := &cobra.Command{
		Use:   "check [profiles.yaml]",
		Short: "Validate a profiles file and optionally try tokens against it",
		Long: `Parses and builds every profile in the file (default: the configured
profiles_path). With --token, each token is validated against --profile and
the command fails if any is rejected.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := config.LoadConfig(flags.configPath)
				if err != nil {
					return err
				}
				path = cfg.Constraints.ProfilesPath
				if profile == "" {
					profile = cfg.Constraints.ActiveProfile
				}
			}
			return runCheck(cmd.OutOrStdout(), path, profile, tokens)
		},
	}
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "profile used for --token (default: configured active profile)")
	cmd.Flags().StringArrayVarP(&tokens, "token", "t", nil, "token to validate (repeatable)")
	return cmd
}

func runCheck(out io.Writer, path, profile string, tokens []string) error {
	defs, err := constraint.LoadProfiles(path)
	if err != nil {
		return err
	}
	sets, err := defs.Build(constraint.DefaultRegistry())
	if err != nil {
		fmt.Fprintf(out, "Profiles %q are invalid:\n  - %v\n", filepath.Base(path), err)
		return fmt.Errorf("validation failed")
	}

	fmt.Fprintf(out, "Profiles %q are valid.\n", filepath.Base(path))
	for _, name := range defs.Names() {
		fmt.Fprintf(out, "  %-20s %d constraints\n", name, sets[name].Len())
	}
	if len(tokens) == 0 {
		return nil
	}

	set, ok := sets[profile]
	if !ok {
		return fmt.Errorf("profile %q not found in %s", profile, path)
	}
	rejected := 0
	for i, tok := range tokens {
		v := verify.Validate(verify.Token{Content: tok, Seq: uint64(i + 1)}, set)
		if v.Accepted() {
			fmt.Fprintf(out, "ACCEPTED %q\n", tok)
			continue
		}
		rejected++
		fmt.Fprintf(out, "REJECTED %q: %s\n", tok, v.Explanation)
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d tokens rejected", rejected, len(tokens))
	}
	return nil
}
