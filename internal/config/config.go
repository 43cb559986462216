package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Mode is the operation a run performs across all targets.
type Mode string

const (
	ModeValidate Mode = "validate"
	ModeBackup   Mode = "backup"
	ModeDelete   Mode = "delete"
	ModeBackout  Mode = "backout"
)

// Mutating reports whether the mode changes remote state and therefore needs
// an approval.
func (m Mode) Mutating() bool {
	return m == ModeDelete || m == ModeBackout
}

// Action is the upper-case audit action name for the mode.
func (m Mode) Action() string {
	return strings.ToUpper(string(m))
}

// Approval methods.
const (
	ApprovalPrompt = "prompt"
	ApprovalToken  = "token"
	ApprovalStatic = "static"
)

// DefaultProtectedNames is the canonical exact-name protection set.
var DefaultProtectedNames = []string{"main", "master", "develop", "dev", "prod", "production", "uat", "qa", "stage", "staging"}

// DefaultProtectedPrefixes is the canonical prefix protection set.
var DefaultProtectedPrefixes = []string{"release/", "hotfix/", "support/"}

type Config struct {
	// MAINTAINER NOTE: flags for these fields live in internal/cli/run.go and
	// their names in internal/flags. Keep the three in sync.
	Targeting Targeting
	Policy    Policy
	Approval  Approval
	Backup    Backup
	Remote    Remote
	Output    Output
	Runtime   Runtime
}

type Targeting struct {
	// Targets is the raw repository:branch list (see --targets).
	Targets string

	// TargetsFile reads the target list from a file, or stdin when "-" (see --targets-file).
	TargetsFile string

	// Owner is the default repository owner for bare repository names (see --owner).
	Owner string

	// Mode selects the operation (see --mode).
	// Allowed values: validate, backup, delete, backout.
	Mode Mode

	// DryRun, EnableDelete and EnableBackout are the boolean form of Mode
	// (see --dry-run, --enable-delete, --enable-backout).
	DryRun        bool
	EnableDelete  bool
	EnableBackout bool
}

type Policy struct {
	// File is an optional YAML policy file (see --policy).
	File string

	// ProtectedNames are exact branch names that are never deleted (case-insensitive).
	// Always a superset of DefaultProtectedNames.
	ProtectedNames []string

	// ProtectedPrefixes are branch name prefixes that are never deleted (case-insensitive).
	// Always a superset of DefaultProtectedPrefixes.
	ProtectedPrefixes []string

	// RequireBackup forbids the direct-delete sub-mode (see --require-backup).
	RequireBackup bool
}

type Approval struct {
	// Method selects how the approval decision is collected (see --approval).
	// Allowed values: prompt, token, static.
	Method string

	// Approvers is the allow-list of identities permitted to approve (see --approvers).
	Approvers []string

	// ApprovedBy is the identity recorded by the static method (see --approved-by).
	ApprovedBy string

	// SubMode is the sub-mode requested by non-interactive methods (see --sub-mode).
	// Allowed values: backup-and-delete, direct-delete, restore.
	SubMode string

	// TokenEnv names the environment variable holding the approver's GitHub token
	// for the token method.
	TokenEnv string
}

type Backup struct {
	// MirrorRoot is the directory holding one bare mirror per repository (see --mirror-root).
	MirrorRoot string
}

type Remote struct {
	// APIURL is the GitHub REST base URL; empty means api.github.com (see --api-url).
	APIURL string

	// GitURL is the base URL used for git transport (see --git-url).
	GitURL string
}

type Output struct {
	// Report is the audit CSV path (see --report). Appended to when it exists.
	Report string

	// Summary writes a Markdown run summary to this path (see --summary).
	Summary string

	// ConsoleFormat controls the console sink (see --console-format).
	// Allowed values: text, ndjson.
	ConsoleFormat string

	// Emit writes an additional structured stream to stdout (see --emit).
	// Allowed values: json, ndjson.
	Emit []string

	// NoConsole suppresses the console sink (see --no-console).
	NoConsole bool
}

type Runtime struct {
	// Timeout bounds the whole run, including the approval wait (see --timeout).
	Timeout time.Duration

	// Verbose enables debug logging and HTTP request logs.
	Verbose bool
}

func New() *Config {
	return &Config{
		Policy: Policy{
			ProtectedNames:    append([]string(nil), DefaultProtectedNames...),
			ProtectedPrefixes: append([]string(nil), DefaultProtectedPrefixes...),
			RequireBackup:     true,
		},
		Approval: Approval{
			Method:   ApprovalPrompt,
			TokenEnv: "BRANCHGUARD_APPROVER_TOKEN",
		},
		Remote: Remote{
			GitURL: "https://github.com",
		},
		Output: Output{
			Report:        "branchguard-audit.csv",
			ConsoleFormat: "text",
		},
		Runtime: Runtime{
			Timeout: 2 * time.Hour,
		},
	}
}

func (c *Config) Validate() error {
	c.Approval.Approvers = normalizeIdentities(splitCommaList(c.Approval.Approvers))
	c.Output.Emit = splitCommaList(c.Output.Emit)

	// Mode resolution
	mode, err := resolveMode(c.Targeting)
	if err != nil {
		return err
	}
	c.Targeting.Mode = mode

	if strings.TrimSpace(c.Targeting.Targets) == "" && strings.TrimSpace(c.Targeting.TargetsFile) == "" {
		return errors.New("one of --targets or --targets-file must be provided")
	}
	if strings.TrimSpace(c.Targeting.Targets) != "" && strings.TrimSpace(c.Targeting.TargetsFile) != "" {
		return errors.New("--targets and --targets-file are mutually exclusive")
	}
	c.Targeting.Owner = strings.TrimSpace(c.Targeting.Owner)

	// Policy: the canonical sets can be extended but never shrunk.
	c.Policy.ProtectedNames = mergeLower(DefaultProtectedNames, c.Policy.ProtectedNames)
	c.Policy.ProtectedPrefixes = mergeLower(DefaultProtectedPrefixes, c.Policy.ProtectedPrefixes)

	// Approval validation
	c.Approval.Method = normalizeEnumValue(c.Approval.Method)
	if c.Approval.Method == "" {
		c.Approval.Method = ApprovalPrompt
	}
	if c.Approval.Method != ApprovalPrompt && c.Approval.Method != ApprovalToken && c.Approval.Method != ApprovalStatic {
		return fmt.Errorf("unsupported --approval: %s (must be one of: prompt, token, static)", c.Approval.Method)
	}
	c.Approval.SubMode = normalizeEnumValue(c.Approval.SubMode)
	switch c.Approval.SubMode {
	case "", "backup-and-delete", "restore":
	case "direct-delete":
		if c.Policy.RequireBackup {
			return errors.New("--sub-mode direct-delete is not allowed while backups are required (policy require_backup)")
		}
	default:
		return fmt.Errorf("unsupported --sub-mode: %s (must be one of: backup-and-delete, direct-delete, restore)", c.Approval.SubMode)
	}
	if c.Targeting.Mode.Mutating() {
		if len(c.Approval.Approvers) == 0 {
			return fmt.Errorf("--mode %s requires at least one approver (--approvers or policy approvers)", c.Targeting.Mode)
		}
		if c.Approval.Method == ApprovalStatic && strings.TrimSpace(c.Approval.ApprovedBy) == "" {
			return errors.New("--approval static requires --approved-by")
		}
		if c.Approval.Method == ApprovalToken && strings.TrimSpace(c.Approval.TokenEnv) == "" {
			return errors.New("--approval token requires an approver token environment variable")
		}
	}

	// Backup validation
	if c.Targeting.Mode == ModeBackup || c.Targeting.Mode == ModeDelete || c.Targeting.Mode == ModeBackout {
		if strings.TrimSpace(c.Backup.MirrorRoot) == "" {
			c.Backup.MirrorRoot = DefaultMirrorRoot()
		}
	}

	// Remote validation
	c.Remote.GitURL = strings.TrimRight(strings.TrimSpace(c.Remote.GitURL), "/")
	if c.Remote.GitURL == "" {
		return errors.New("--git-url must not be empty")
	}
	if !strings.HasPrefix(c.Remote.GitURL, "https://") && !strings.HasPrefix(c.Remote.GitURL, "http://") {
		return fmt.Errorf("unsupported --git-url: %s (must be an http(s) URL)", c.Remote.GitURL)
	}

	// Output validation
	if strings.TrimSpace(c.Output.Report) == "" {
		return errors.New("--report must not be empty: every run writes an audit report")
	}
	c.Output.ConsoleFormat = normalizeEnumValue(c.Output.ConsoleFormat)
	if c.Output.ConsoleFormat != "text" && c.Output.ConsoleFormat != "ndjson" {
		return fmt.Errorf("unsupported --console-format: %s (must be one of: text, ndjson)", c.Output.ConsoleFormat)
	}
	for i, emit := range c.Output.Emit {
		v := normalizeEnumValue(emit)
		if v != "json" && v != "ndjson" {
			return fmt.Errorf("unsupported --emit value: %s (must be one of: json, ndjson)", emit)
		}
		c.Output.Emit[i] = v
	}

	// Runtime validation
	if c.Runtime.Timeout <= 0 {
		return errors.New("--timeout must be > 0")
	}

	return nil
}

func resolveMode(t Targeting) (Mode, error) {
	boolForm := t.DryRun || t.EnableDelete || t.EnableBackout
	explicit := Mode(normalizeEnumValue(string(t.Mode)))

	if explicit != "" && boolForm {
		return "", errors.New("--mode cannot be combined with --dry-run, --enable-delete or --enable-backout")
	}
	if explicit != "" {
		switch explicit {
		case ModeValidate, ModeBackup, ModeDelete, ModeBackout:
			return explicit, nil
		default:
			return "", fmt.Errorf("unsupported --mode: %s (must be one of: validate, backup, delete, backout)", explicit)
		}
	}

	if t.EnableDelete && t.EnableBackout {
		return "", errors.New("--enable-delete and --enable-backout are mutually exclusive")
	}
	switch {
	case t.DryRun:
		return ModeValidate, nil
	case t.EnableDelete:
		return ModeDelete, nil
	case t.EnableBackout:
		return ModeBackout, nil
	}
	return "", errors.New("one of --mode, --dry-run, --enable-delete or --enable-backout must be provided")
}

// DefaultMirrorRoot returns the per-user cache location for mirrors.
func DefaultMirrorRoot() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "branchguard", "mirrors")
	}
	return filepath.Join(".branchguard", "mirrors")
}

func normalizeEnumValue(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeIdentities(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimPrefix(strings.TrimSpace(v), "@")
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// mergeLower returns base plus extra, lower-cased, deduplicated and sorted.
func mergeLower(base, extra []string) []string {
	set := make(map[string]struct{}, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, v := range list {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "" {
				continue
			}
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func splitCommaList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}
