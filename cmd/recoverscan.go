package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Obsidian-Covenant/aimage/internal/coordinator"
)

var recoverScanFlags struct {
	allowRegular bool
}

var recoverScanCmd = &cobra.Command{
	Use:   "recover-scan <source> <archive>",
	Short: "Reattach a source and fill in archive pages a prior acquisition left missing",
	Args:  cobra.ExactArgs(2),
	Run:   runRecoverScan,
}

func init() {
	recoverScanCmd.Flags().BoolVar(&recoverScanFlags.allowRegular, "allow-regular", false, "allow scanning a regular file directly")
	rootCmd.AddCommand(recoverScanCmd)
}

func runRecoverScan(cmd *cobra.Command, args []string) {
	source, archive := args[0], args[1]

	cfg := coordinator.Config{
		CommandLine:  commandLine(),
		InputName:    source,
		AllowRegular: recoverScanFlags.allowRegular,
		OutFile:      archive,
		RecoverScan:  true,
		OnStatus:     printStatus,
	}

	report, err := coordinator.New(cfg).Run()
	if err != nil {
		fatalf("recover-scan failed: %v", err)
	}

	fmt.Println()
	if report.Failed {
		fmt.Println("recover-scan finished: some pages are still missing")
	} else {
		fmt.Println("recover-scan finished: all missing pages were recovered")
	}
}
