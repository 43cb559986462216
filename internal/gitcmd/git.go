// Package gitcmd runs the git executable for mirror maintenance. Credentials
// travel in GIT_CONFIG_* environment variables, never in argv, and are
// scrubbed from any output surfaced to callers.
package gitcmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner executes one git invocation in dir and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// Error is a failed git invocation. Output is already scrubbed.
type Error struct {
	Args     []string
	Output   string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Git struct {
	binary  string
	env     []string
	secrets []string
	logger  *slog.Logger
}

type Option func(*Git)

// WithBinary overrides the git executable (default "git" from PATH).
func WithBinary(path string) Option {
	return func(g *Git) {
		if path != "" {
			g.binary = path
		}
	}
}

// WithToken authenticates https traffic to baseURL with token through an
// http.extraheader scoped to that URL.
func WithToken(baseURL, token string) Option {
	return func(g *Git) {
		token = strings.TrimSpace(token)
		if token == "" {
			return
		}
		basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
		key := "http." + strings.TrimRight(baseURL, "/") + "/.extraheader"
		g.env = append(g.env,
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0="+key,
			"GIT_CONFIG_VALUE_0=AUTHORIZATION: basic "+basic,
		)
		g.secrets = append(g.secrets, token, basic)
	}
}

// WithLogger logs each invocation at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(g *Git) {
		g.logger = l
	}
}

func New(opts ...Option) *Git {
	g := &Git{binary: "git"}
	for _, apply := range opts {
		if apply != nil {
			apply(g)
		}
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	return g
}

func (g *Git) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = dir
	cmd.Env = g.environ()

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	scrubbed := []byte(g.scrub(out.String()))
	g.logger.Debug("git", "args", strings.Join(args, " "), "dir", dir, "duration", time.Since(start).Truncate(time.Millisecond), "error", err)

	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		exitCode := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		}
		return scrubbed, &Error{Args: args, Output: string(scrubbed), ExitCode: exitCode, Err: err}
	}
	return scrubbed, nil
}

// environ returns the process environment without inherited GIT_CONFIG_*
// injection, plus ours. Prompts are disabled so a missing credential fails
// instead of hanging.
func (g *Git) environ() []string {
	env := make([]string, 0, len(os.Environ())+len(g.env)+2)
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "GIT_CONFIG_COUNT=") || strings.HasPrefix(e, "GIT_CONFIG_KEY_") ||
			strings.HasPrefix(e, "GIT_CONFIG_VALUE_") || strings.HasPrefix(e, "GIT_TERMINAL_PROMPT=") {
			continue
		}
		env = append(env, e)
	}
	env = append(env, "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=")
	if len(g.env) == 0 {
		env = append(env, "GIT_CONFIG_COUNT=0")
	}
	return append(env, g.env...)
}

func (g *Git) scrub(s string) string {
	for _, secret := range g.secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "***")
		}
	}
	return s
}
