package cli

import (
	"fmt"

	"github.com/effective-security/p11scan/inventory"
	"github.com/effective-security/p11scan/scanner"
	"go.uber.org/multierr"
)

// ScanCmd prints the scan tree
type ScanCmd struct {
	ScanFlags
}

// Run the command
func (a *ScanCmd) Run(ctx *Cli) error {
	tree, err := a.scan(ctx)
	if tree == nil {
		return err
	}
	return ctx.WriteJSON(tree)
}

// scan returns the scan tree, and prints the skipped slots to the error writer.
// Only a failure without a tree is returned as error.
func (a *ScanFlags) scan(ctx *Cli) (inventory.Tree, error) {
	cfg, plan, err := a.plan(ctx)
	if err != nil {
		return nil, err
	}

	mod, err := ctx.LoadModule(cfg.ModulePath)
	if err != nil {
		return nil, err
	}
	defer mod.Close()

	tree, err := plan.Scanner(mod).ScanTree(ctx.Context(), cfg.Pin)
	if tree == nil {
		return nil, err
	}
	for _, e := range multierr.Errors(err) {
		fmt.Fprintf(ctx.ErrWriter(), "warning: %v\n", e)
	}
	return tree, nil
}

// TokensCmd prints labels of the tokens
type TokensCmd struct {
	ScanFlags

	Hardware bool `help:"Only tokens in hardware slots"`
}

// Run the command
func (a *TokensCmd) Run(ctx *Cli) error {
	tree, err := a.scan(ctx)
	if tree == nil {
		return err
	}

	res := scanner.NewResult(tree)
	seq := res.TokenLabels()
	if a.Hardware {
		seq = res.HardwareTokenLabels()
	}

	labels := []string{}
	for label := range seq {
		labels = append(labels, label)
	}
	return ctx.WriteJSON(labels)
}
