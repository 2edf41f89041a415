// Package cmd is the Cobra-based CLI front end spec.md §6.3 sketches as a
// collaborator: a root command installs persistent flags and dispatches
// to the acquire and recover-scan subcommands, in the style of
// sergev-fdx/cmd's root/read/write/erase split.
package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "aimage",
	Short: "Forensic block-device imager",
	Long: "aimage acquires a forensic image of a block device, regular file, " +
		"or network stream into a page-structured, hash-authenticated archive.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	Version: buildVersion(),
}

// buildVersion reports the module's build info, the way --version answers
// spec.md §6.3's "aimage with no subcommand prints usage; --version reports
// the module's build info" requirement, without hand-maintaining a version
// string anywhere in the source.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	version := info.Main.Version
	if version == "" {
		version = "(devel)"
	}
	return fmt.Sprintf("%s %s", version, info.GoVersion)
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func commandLine() string {
	line := "aimage"
	for _, arg := range rootArgs {
		line += " " + arg
	}
	return line
}

// rootArgs is set by main() from os.Args[1:] so subcommands can record the
// exact invocation as the acquisition-command-line metadata segment
// without importing os/flag plumbing into this package twice.
var rootArgs []string

// SetArgs lets main() hand the raw argv to the CLI layer before Execute.
func SetArgs(args []string) { rootArgs = args }

func fatalf(format string, args ...any) {
	cobra.CheckErr(fmt.Errorf(format, args...))
}
