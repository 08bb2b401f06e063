package cli

import "github.com/effective-security/p11scan/internal/version"

// VersionCmd prints version information
type VersionCmd struct{}

// Run the command
func (a *VersionCmd) Run(ctx *Cli) error {
	return ctx.WriteJSON(version.Current())
}
