// Package flags defines canonical CLI flag names shared across the CLI and the
// environment binding. Keeping these as constants helps avoid drift between
// Cobra flag wiring and other code paths that need to reference flags (e.g.
// BRANCHGUARD_* environment overrides).
package flags

// IMPORTANT: These are flag *names* without leading dashes.
// Example usage:
//
//	cmd.Flags().StringVar(&cfg.Targeting.Targets, flags.FlagTargets, "", "...")
//	arg := "--" + flags.FlagTargets
const (
	// Targeting
	FlagTargets       = "targets"
	FlagTargetsFile   = "targets-file"
	FlagOwner         = "owner"
	FlagMode          = "mode"
	FlagDryRun        = "dry-run"
	FlagEnableDelete  = "enable-delete"
	FlagEnableBackout = "enable-backout"

	// Policy
	FlagPolicy            = "policy"
	FlagProtectedNames    = "protected-names"
	FlagProtectedPrefixes = "protected-prefixes"
	FlagRequireBackup     = "require-backup"

	// Approval
	FlagApproval   = "approval"
	FlagApprovers  = "approvers"
	FlagApprovedBy = "approved-by"
	FlagSubMode    = "sub-mode"

	// Backup
	FlagMirrorRoot = "mirror-root"

	// Remote
	FlagAPIURL = "api-url"
	FlagGitURL = "git-url"

	// Output
	FlagConsoleFormat = "console-format"
	FlagReport        = "report"
	FlagSummary       = "summary"
	FlagEmit          = "emit"
	FlagNoConsole     = "no-console"

	// Runtime
	FlagTimeout = "timeout"
	FlagVerbose = "verbose"
)

// EnvPrefix is the prefix of environment variables that override flags, e.g.
// BRANCHGUARD_APPROVERS for --approvers.
const EnvPrefix = "BRANCHGUARD"

// EnvBound lists the flags that may be supplied through the environment.
var EnvBound = []string{
	FlagTargets,
	FlagTargetsFile,
	FlagOwner,
	FlagMode,
	FlagPolicy,
	FlagApproval,
	FlagApprovers,
	FlagApprovedBy,
	FlagSubMode,
	FlagMirrorRoot,
	FlagAPIURL,
	FlagGitURL,
	FlagReport,
	FlagSummary,
	FlagTimeout,
}
