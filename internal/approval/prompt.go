package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/term"
)

// confirmWord must be typed verbatim to approve.
const confirmWord = "APPROVE"

// PromptDecider asks an operator at a terminal. It shows the request, then
// reads the approver identity, the sub-mode and an explicit confirmation.
type PromptDecider struct {
	In  io.Reader
	Out io.Writer
}

// NewTerminalPrompt returns a PromptDecider on in/out, refusing to run when in
// is not an interactive terminal.
func NewTerminalPrompt(in *os.File, out io.Writer) (*PromptDecider, error) {
	if in == nil || !term.IsTerminal(int(in.Fd())) {
		return nil, errors.New("prompt approval needs an interactive terminal (use --approval token or --approval static)")
	}
	return &PromptDecider{In: in, Out: out}, nil
}

func (p *PromptDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	if p.In == nil || p.Out == nil {
		return Decision{}, errors.New("prompt approval: no terminal")
	}
	r := bufio.NewReader(p.In)

	p.render(req)

	identity, err := p.ask(ctx, r, "Approver identity: ")
	if err != nil {
		return Decision{}, err
	}

	sub := req.SubModes[0]
	if len(req.SubModes) > 1 {
		answer, err := p.ask(ctx, r, fmt.Sprintf("Sub-mode [%s] (default %s): ", joinSubModes(req.SubModes), sub))
		if err != nil {
			return Decision{}, err
		}
		if answer != "" {
			sub = SubMode(strings.ToLower(answer))
		}
	}

	confirm, err := p.ask(ctx, r, fmt.Sprintf("Type %s to %s %d target(s): ", confirmWord, strings.ToLower(req.Mode.Action()), len(req.Targets)))
	if err != nil {
		return Decision{}, err
	}

	return Decision{Approver: identity, Approved: confirm == confirmWord, SubMode: sub}, nil
}

func (p *PromptDecider) render(req Request) {
	_, _ = fmt.Fprintf(p.Out, "\nApproval required: %s (run %s)\n", req.Mode.Action(), req.RunID)
	tw := table.NewWriter()
	tw.SetOutputMirror(p.Out)
	tw.AppendHeader(table.Row{"#", "Repository", "Branch"})
	for i, t := range req.Targets {
		tw.AppendRow(table.Row{i + 1, t.Repository, t.Branch})
	}
	tw.Render()
}

func (p *PromptDecider) ask(ctx context.Context, r *bufio.Reader, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, _ = fmt.Fprint(p.Out, prompt)
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errors.New("prompt approval: input closed")
		}
		return "", fmt.Errorf("prompt approval: %w", err)
	}
	return strings.TrimSpace(line), nil
}
