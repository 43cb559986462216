package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"branchguard/internal/flags"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

// verbose is the persistent --verbose flag shared by every command.
var verbose bool

var rootCmd = &cobra.Command{
	Use:   "branchguard",
	Short: "Govern deletion and restore of branches across GitHub repositories",
	Long: `branchguard deletes or restores branches across many GitHub repositories
under a fixed set of safety rules:

  - protected branches (exact names, prefixes and each repository's default
    branch) are never touched, whoever approves
  - every target is validated before anything changes, and all violations are
    reported together
  - mutating runs wait for an approver from a configured allow-list
  - a local mirror of each repository is refreshed before any delete, and is
    the source for restores
  - every attempted action is appended to a CSV audit report

Examples:
	# Check a target list without changing anything
	branchguard validate --targets-file targets.txt

	# Delete after approval (mirrors are refreshed first)
	branchguard run --mode delete --targets-file targets.txt --approvers alice,bob

	# Restore from the local mirrors
	branchguard run --mode backout --targets 'acme/app:feature/x' --approvers alice

	# List local mirrors
	branchguard mirrors list

Environment:
	Flags can also be set as BRANCHGUARD_<FLAG> with dashes replaced by
	underscores, e.g. BRANCHGUARD_APPROVERS or BRANCHGUARD_MIRROR_ROOT. A flag on
	the command line wins over the environment.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return bindEnvironment(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, flags.FlagVerbose, false, "Enable debug logging (prints every GitHub API call and full error details)")
}

// bindEnvironment fills flags the user did not set from BRANCHGUARD_*
// environment variables.
func bindEnvironment(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(flags.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	for _, name := range flags.EnvBound {
		f := cmd.Flags().Lookup(name)
		if f == nil || f.Changed {
			continue
		}
		if err := v.BindEnv(name); err != nil {
			return err
		}
		val := strings.TrimSpace(v.GetString(name))
		if val == "" {
			continue
		}
		if err := cmd.Flags().Set(name, val); err != nil {
			return fmt.Errorf("invalid %s: %w", envName(name), err)
		}
	}
	return nil
}

func envName(flag string) string {
	return flags.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// newLogger logs to stderr: text for a terminal, JSON otherwise.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", buildVersion, buildCommit, buildDate)
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func BuildInfo() (version, commit, date string) {
	return buildVersion, buildCommit, buildDate
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	}
}
