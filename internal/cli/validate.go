package cli

import (
	"os"

	"github.com/spf13/cobra"

	"branchguard/internal/config"
)

var validateCfg = config.New()

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a target list against the protection policy without changing anything",
	Long: `Validate every target: the branch must exist and must not be protected.

Equivalent to "branchguard run --mode validate". Needs no approval and never
writes to GitHub or the mirrors. Every target gets a VALIDATE row in the audit
report, with status VALID, PROTECTED_<reason>, MISSING or UNVERIFIED when a
lookup failed.

Exit codes:
	0 = all targets eligible
	1 = at least one target is protected or missing
	3 = fatal error (invalid input or configuration, GitHub unreachable)
`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 && cmd.Flags().NFlag() == 0 {
			_ = cmd.Help()
			return
		}
		validateCfg.Targeting.Mode = config.ModeValidate
		os.Exit(execute(cmd, validateCfg))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	fs := validateCmd.Flags()
	addTargetFlags(fs, validateCfg)
	addPolicyFlags(fs, validateCfg)
	addRemoteFlags(fs, validateCfg)
	addOutputFlags(fs, validateCfg)
	addRuntimeFlags(fs, validateCfg)
}
