package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"branchguard/internal/approval"
	"branchguard/internal/config"
	"branchguard/internal/engine"
	"branchguard/internal/flags"
	"branchguard/internal/gitcmd"
	gh "branchguard/internal/github"
	"branchguard/internal/mirror"
	"branchguard/internal/output"
	"branchguard/internal/remote"
)

var runCfg = config.New()

const runHelpTemplate = `{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}Usage:
  {{.UseLine}}

{{if .HasAvailableLocalFlags}}Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}{{if .HasAvailableInheritedFlags}}Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}Authentication:
	branchguard talks to GitHub with an access token. Sources (in order):
	1) GITHUB_TOKEN environment variable
	2) GH_TOKEN environment variable
	3) GitHub CLI (gh) authentication via gh auth token (if gh is installed and logged in)

	The same token is handed to git for mirror clone, update and push through
	GIT_CONFIG_* environment variables; it never appears on a command line.

	Token guidance (brief):
	- Fine-grained PAT: Contents: Read and write on the target repositories.
	- PAT (classic): repo.

	The token approval method reads a second token, belonging to the approver,
	from BRANCHGUARD_APPROVER_TOKEN.
`

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Validate, back up, delete or restore a list of branches",
	Long: `Run one governed operation over a list of repository:branch targets.

Modes (--mode, or the boolean form --dry-run / --enable-delete / --enable-backout):
	validate  check protection and existence of every target; change nothing
	backup    refresh the local mirror of every target repository
	delete    validate, wait for approval, refresh mirrors, then delete
	backout   wait for approval, then restore each branch from its mirror

Targets:
	One repository:branch pair per line (repository|branch is accepted too).
	Repositories may be NAME (with --owner), OWNER/NAME or a clone URL. Lines
	starting with # are ignored. Pass the list with --targets, or --targets-file
	(use - for stdin).

Protection:
	A branch is protected when it is the repository's default branch, when its
	lower-cased name is in the protected name set, or when it starts with a
	protected prefix. The built-in sets can be extended (--protected-names,
	--protected-prefixes or a --policy file) but never reduced. A protected
	target blocks the whole run; approval cannot override it.

Audit:
	Every run appends to the CSV audit report (--report). The report is opened,
	and its header written, before anything else, so a run that fails during
	setup still leaves it behind. Each row is synced to disk before the next
	target.

Output:
	The console prints one line per audited action (--console-format text), or
	one JSON event per line (--console-format ndjson). --emit json writes one
	JSON document (run id, mode, approver, exit code, audit rows) to stdout at
	the end of the run; --emit ndjson
	streams the events as they happen. --summary writes a Markdown summary.

	NDJSON mode emits these event types, in order:
	run.started, preflight.finished, approval.granted, target.result, run.finished

Exit codes:
	0 = success
	1 = pre-flight violations (protected or missing targets); nothing changed
	2 = execution halted (backup failure, delete or restore failure)
	3 = fatal error (invalid input or configuration, GitHub unreachable,
	    approval denied or timed out)

Examples:
	# Preview
	branchguard run --dry-run --targets-file targets.txt

	# Delete with an interactive approval
	branchguard run --enable-delete --targets-file targets.txt --approvers alice,bob

	# Delete from CI where the approver was collected upstream
	branchguard run --mode delete --targets-file targets.txt \
		--approvers alice --approval static --approved-by alice --no-console --emit ndjson
`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 && cmd.Flags().NFlag() == 0 {
			_ = cmd.Help()
			return
		}
		os.Exit(execute(cmd, runCfg))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.SetHelpTemplate(runHelpTemplate)

	// MAINTAINER NOTE: flag names live in internal/flags; environment binding
	// covers the names in flags.EnvBound.
	fs := runCmd.Flags()
	addTargetFlags(fs, runCfg)
	fs.StringVar((*string)(&runCfg.Targeting.Mode), flags.FlagMode, "", "Operation: validate|backup|delete|backout")
	fs.BoolVar(&runCfg.Targeting.DryRun, flags.FlagDryRun, false, "Validate only (same as --mode validate)")
	fs.BoolVar(&runCfg.Targeting.EnableDelete, flags.FlagEnableDelete, false, "Delete the targets (same as --mode delete)")
	fs.BoolVar(&runCfg.Targeting.EnableBackout, flags.FlagEnableBackout, false, "Restore the targets from their mirrors (same as --mode backout)")

	addPolicyFlags(fs, runCfg)
	fs.BoolVar(&runCfg.Policy.RequireBackup, flags.FlagRequireBackup, runCfg.Policy.RequireBackup, "Require a mirror refresh before deleting (disables the direct-delete sub-mode when true)")

	// Approval
	fs.StringVar(&runCfg.Approval.Method, flags.FlagApproval, runCfg.Approval.Method, "Approval method: prompt|token|static")
	fs.StringSliceVar(&runCfg.Approval.Approvers, flags.FlagApprovers, nil, "Identities allowed to approve (repeatable; comma-separated accepted; case-insensitive)")
	fs.StringVar(&runCfg.Approval.ApprovedBy, flags.FlagApprovedBy, "", "Approver identity for --approval static")
	fs.StringVar(&runCfg.Approval.SubMode, flags.FlagSubMode, "", "Sub-mode for non-interactive approval: backup-and-delete|direct-delete|restore")

	// Backup
	fs.StringVar(&runCfg.Backup.MirrorRoot, flags.FlagMirrorRoot, "", "Directory holding one bare mirror per repository (default: user cache dir)")

	addRemoteFlags(fs, runCfg)
	addOutputFlags(fs, runCfg)
	addRuntimeFlags(fs, runCfg)
}

func addTargetFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Targeting.Targets, flags.FlagTargets, "", "Target list: repository:branch pairs, one per line")
	fs.StringVar(&cfg.Targeting.TargetsFile, flags.FlagTargetsFile, "", "Read the target list from a file (- for stdin)")
	fs.StringVar(&cfg.Targeting.Owner, flags.FlagOwner, "", "Default owner for bare repository names")
}

func addPolicyFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Policy.File, flags.FlagPolicy, "", "YAML policy file (protected_names, protected_prefixes, approvers, require_backup)")
	fs.StringSliceVar(&cfg.Policy.ProtectedNames, flags.FlagProtectedNames, cfg.Policy.ProtectedNames, "Additional protected branch names (added to the built-in set)")
	fs.StringSliceVar(&cfg.Policy.ProtectedPrefixes, flags.FlagProtectedPrefixes, cfg.Policy.ProtectedPrefixes, "Additional protected branch prefixes (added to the built-in set)")
}

func addRemoteFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Remote.APIURL, flags.FlagAPIURL, "", "GitHub Enterprise Server API URL (default: api.github.com)")
	fs.StringVar(&cfg.Remote.GitURL, flags.FlagGitURL, cfg.Remote.GitURL, "Base URL for git transport")
}

func addOutputFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Output.ConsoleFormat, flags.FlagConsoleFormat, cfg.Output.ConsoleFormat, "Console output format: text|ndjson")
	fs.StringVar(&cfg.Output.Report, flags.FlagReport, cfg.Output.Report, "Audit CSV report (appended to when it exists)")
	fs.StringVar(&cfg.Output.Summary, flags.FlagSummary, "", "Write a Markdown run summary to this path")
	fs.StringSliceVar(&cfg.Output.Emit, flags.FlagEmit, nil, "Emit additional structured stream to stdout: json|ndjson (repeatable; comma-separated accepted)")
	fs.BoolVar(&cfg.Output.NoConsole, flags.FlagNoConsole, false, "Suppress console output (use with --emit)")
}

func addRuntimeFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.DurationVar(&cfg.Runtime.Timeout, flags.FlagTimeout, cfg.Runtime.Timeout, "Overall run timeout, approval wait included")
}

// execute validates cfg, wires the collaborators and runs the engine. It
// returns the process exit code. The audit report is opened first, so even a
// run that fails during setup leaves a report with its header.
func execute(cmd *cobra.Command, cfg *config.Config) int {
	cfg.Runtime.Verbose = verbose
	logger := newLogger(cfg.Runtime.Verbose)
	errOut := cmd.ErrOrStderr()

	var audit *output.AuditSink
	if path := strings.TrimSpace(cfg.Output.Report); path != "" {
		a, err := output.NewAuditSink(path)
		if err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			return engine.ExitFatal
		}
		audit = a
	}
	fail := func(err error) int {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		if audit != nil {
			if cerr := audit.Close(); cerr != nil {
				logger.Warn("failed to close audit report", "path", audit.Path(), "error", cerr)
			}
		}
		return engine.ExitFatal
	}

	if err := cfg.LoadPolicy(); err != nil {
		return fail(err)
	}
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}

	raw, err := readTargets(cfg.Targeting, cmd.InOrStdin())
	if err != nil {
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Runtime.Timeout)
	defer cancel()

	eng, err := buildEngine(ctx, cfg, logger, cmd.OutOrStdout(), audit)
	if err != nil {
		return fail(err)
	}
	return eng.Run(ctx, cfg, raw)
}

// readTargets returns the raw target list from --targets or --targets-file.
func readTargets(t config.Targeting, stdin io.Reader) (string, error) {
	if strings.TrimSpace(t.Targets) != "" {
		return t.Targets, nil
	}
	path := strings.TrimSpace(t.TargetsFile)
	if path == "-" {
		if stdin == nil {
			return "", errors.New("--targets-file -: no standard input")
		}
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read targets from stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read --targets-file: %w", err)
	}
	return string(b), nil
}

func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer, audit *output.AuditSink) (*engine.Engine, error) {
	resolver := gh.NewResolver(cfg.Targeting.Owner, cfg.Remote.GitURL)

	token, source, err := gh.ResolveAuthToken(ctx, "", resolver.Host())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve GitHub auth token: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("GitHub auth token is required (set GITHUB_TOKEN or GH_TOKEN, or run 'gh auth login')")
	}
	logger.Debug("resolved GitHub auth token", "source", source)

	client, err := gh.NewClient(ctx, token, gh.WithVerbose(cfg.Runtime.Verbose, os.Stderr), gh.WithBaseURL(cfg.Remote.APIURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	rc := remote.New(client, resolver, remote.NewBudget())

	git := gitcmd.New(gitcmd.WithToken(cfg.Remote.GitURL, token), gitcmd.WithLogger(logger))
	backups := mirror.NewManager(cfg.Backup.MirrorRoot, git, resolver, logger)

	var approver engine.Approver
	if cfg.Targeting.Mode.Mutating() {
		decider, err := newDecider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		approver = approval.NewGate(cfg.Approval.Approvers, decider)
	}

	return engine.NewEngine(rc, backups, approver,
		engine.WithLogger(logger),
		engine.WithStdout(stdout),
		engine.WithAuditSink(audit),
	), nil
}

func newDecider(ctx context.Context, cfg *config.Config) (approval.Decider, error) {
	sub := approval.SubMode(cfg.Approval.SubMode)
	switch cfg.Approval.Method {
	case config.ApprovalStatic:
		return approval.StaticDecider{Identity: cfg.Approval.ApprovedBy, SubMode: sub}, nil
	case config.ApprovalToken:
		token := strings.TrimSpace(os.Getenv(cfg.Approval.TokenEnv))
		if token == "" {
			return nil, fmt.Errorf("--approval token: %s is not set", cfg.Approval.TokenEnv)
		}
		c, err := gh.NewClient(ctx, token, gh.WithBaseURL(cfg.Remote.APIURL))
		if err != nil {
			return nil, fmt.Errorf("failed to create approver client: %w", err)
		}
		return approval.TokenDecider{Client: c.Client, SubMode: sub}, nil
	default:
		p, err := approval.NewTerminalPrompt(os.Stdin, os.Stderr)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
