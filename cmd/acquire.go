package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Obsidian-Covenant/aimage/config"
	"github.com/Obsidian-Covenant/aimage/internal/coordinator"
	"github.com/Obsidian-Covenant/aimage/internal/readloop"
	"github.com/Obsidian-Covenant/aimage/internal/sink"
)

var acquireFlags struct {
	profile          string
	skip             string
	reverse          bool
	errorMode        int
	retryCount       int
	readSectors      int
	pageSize         int
	maxSize          string
	compression      string
	compressionLevel int
	noCompression    bool
	adaptive         bool
	noHash           bool
	multithreadHash  bool
	noIdent          bool
	noMACAddr        bool
	noDmesg          bool
	allowRegular     bool
	appendMode       bool
	fastQuit         bool
	caseNumber       string
	technician       string
	attachCmd        string
	detachCmd        string
}

var acquireCmd = &cobra.Command{
	Use:   "acquire <source> <outfile>",
	Short: "Acquire a forensic image of a block device, file, or stream",
	Args:  cobra.ExactArgs(2),
	Run:   runAcquire,
}

func init() {
	f := acquireCmd.Flags()
	f.StringVar(&acquireFlags.profile, "profile", "", "named acquisition profile from the config file")
	f.StringVar(&acquireFlags.skip, "skip", "0", "starting offset, in sectors (an optional trailing 's' is accepted; byte offsets are not)")
	f.BoolVar(&acquireFlags.reverse, "reverse", false, "start reverse-first instead of forward")
	f.IntVar(&acquireFlags.errorMode, "error-mode", 0, "0 = recover, 1 = abort on first error")
	f.IntVar(&acquireFlags.retryCount, "retry-count", 0, "retries per defect region before giving up (0 = use profile default)")
	f.IntVar(&acquireFlags.readSectors, "read-sectors", 0, "sectors per read batch (0 = use profile default)")
	f.IntVar(&acquireFlags.pageSize, "page-size", 0, "sink page size in bytes (0 = use profile default)")
	f.StringVar(&acquireFlags.maxSize, "max-size", "", "cap archive size: N, Nk, Nm, Ng, cd, bigcd, dvd, dvddl")
	f.StringVar(&acquireFlags.compression, "compression", "", "none|zlib|lzma (empty = use profile default)")
	f.IntVar(&acquireFlags.compressionLevel, "compression-level", 0, "compression level (0 = profile/library default)")
	f.BoolVar(&acquireFlags.noCompression, "no-compression", false, "disable compression regardless of profile")
	f.BoolVar(&acquireFlags.adaptive, "adaptive-compression", false, "run the A/B compression timing controller")
	f.BoolVar(&acquireFlags.noHash, "no-hash", false, "skip running MD5/SHA-1/SHA-256 digests")
	f.BoolVar(&acquireFlags.multithreadHash, "multithreaded-hash", false, "hash on a separate goroutine from reads")
	f.BoolVar(&acquireFlags.noIdent, "no-ident", false, "skip OS device identification")
	f.BoolVar(&acquireFlags.noMACAddr, "no-macaddr", false, "skip recording host MAC addresses")
	f.BoolVar(&acquireFlags.noDmesg, "no-dmesg", false, "skip recording the kernel ring buffer")
	f.BoolVar(&acquireFlags.allowRegular, "allow-regular", false, "allow imaging a regular file directly")
	f.BoolVar(&acquireFlags.appendMode, "append", false, "resume into an existing archive instead of erroring on collision")
	f.BoolVar(&acquireFlags.fastQuit, "fast-quit", false, "exit immediately on the first interrupt instead of shutting down gracefully")
	f.StringVar(&acquireFlags.caseNumber, "case-number", "", "technician-entered case number, stored as archive metadata")
	f.StringVar(&acquireFlags.technician, "technician", "", "technician-entered name, stored as archive metadata")
	f.StringVar(&acquireFlags.attachCmd, "attach-cmd", "", "shell command to attach a named ATA/IDE bus before opening the source")
	f.StringVar(&acquireFlags.detachCmd, "detach-cmd", "", "shell command to detach the bus, run before each retry")

	rootCmd.AddCommand(acquireCmd)
}

func runAcquire(cmd *cobra.Command, args []string) {
	source, outfile := args[0], args[1]

	profile, err := config.Load(acquireFlags.profile)
	if err != nil {
		fatalf("load acquisition profile: %v", err)
	}

	skip, err := parseSkip(acquireFlags.skip)
	if err != nil {
		fatalf("%v", err)
	}

	maxSize, err := parseMaxSize(acquireFlags.maxSize)
	if err != nil {
		fatalf("%v", err)
	}

	compression := sink.Algorithm(acquireFlags.compression)
	if compression == "" {
		compression = sink.Algorithm(profile.Compression)
	}
	if acquireFlags.noCompression {
		compression = sink.AlgorithmNone
	}

	compressionLevel := acquireFlags.compressionLevel
	if compressionLevel == 0 {
		compressionLevel = profile.CompressionLevel
	}

	retryCount := acquireFlags.retryCount
	if retryCount == 0 {
		retryCount = profile.RetryCount
	}
	readSectors := acquireFlags.readSectors
	if readSectors == 0 {
		readSectors = profile.ReadSectors
	}
	pageSize := acquireFlags.pageSize
	if pageSize == 0 {
		pageSize = profile.PageSize
	}

	technician := map[string]string{}
	if acquireFlags.caseNumber != "" {
		technician["case number"] = acquireFlags.caseNumber
	}
	if acquireFlags.technician != "" {
		technician["technician name"] = acquireFlags.technician
	}

	cfg := coordinator.Config{
		CommandLine:      commandLine(),
		InputName:        source,
		AllowRegular:     acquireFlags.allowRegular,
		OutFile:          outfile,
		PageSize:         pageSize,
		MaxArchiveSize:   maxSize,
		Skip:             skip,
		Reverse:          acquireFlags.reverse,
		ErrorMode:        acquireFlags.errorMode,
		RetryCount:       retryCount,
		ReadSectors:      readSectors,
		AppendMode:       acquireFlags.appendMode,
		Compression:      compression,
		CompressionLevel: compressionLevel,
		AdaptiveCompress: acquireFlags.adaptive || profile.AdaptiveCompression,
		NoHash:           acquireFlags.noHash,
		MultithreadHash:  acquireFlags.multithreadHash,
		NoIdent:          acquireFlags.noIdent,
		NoMACAddr:        acquireFlags.noMACAddr,
		NoDmesg:          acquireFlags.noDmesg,
		FastQuit:         acquireFlags.fastQuit,
		Technician:       technician,
		AttachCmd:        acquireFlags.attachCmd,
		DetachCmd:        acquireFlags.detachCmd,
		OnStatus:         printStatus,
	}

	report, err := coordinator.New(cfg).Run()
	if err != nil {
		printReport(report)
		fatalf("acquisition failed: %v", err)
	}
	printReport(report)
}

// parseSkip parses the skip flag as a sector count, with or without a
// trailing "s". A bare number is also taken as sectors: no byte-to-sector
// conversion is done.
func parseSkip(s string) (uint64, error) {
	if strings.HasSuffix(s, "s") {
		n, err := strconv.ParseUint(strings.TrimSuffix(s, "s"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid --skip %q: %w", s, err)
		}
		return n, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid --skip %q: %w", s, err)
	}
	return n, nil
}

func printStatus(st readloop.Status) {
	dir := "forward"
	if !st.Forward {
		dir = "reverse"
	}
	if st.Recovering {
		fmt.Printf("\r%s: low=%d high=%d  retry %d/region %d        ", dir, st.Low, st.High, st.Attempts, st.Regions)
		return
	}
	fmt.Printf("\r%s: low=%d high=%d        ", dir, st.Low, st.High)
}

// printReport renders the final human-readable block spec.md §7 requires:
// input identifier, model/serial when known, output path, byte counts,
// and either the digest triple or a failure notice.
func printReport(r coordinator.Report) {
	fmt.Println()
	fmt.Println("****************************** IMAGING REPORT ******************************")
	fmt.Printf("Input: %s\n", r.InputID)
	if r.Model != "" {
		fmt.Printf("  Model: %s\n", r.Model)
	}
	if r.Serial != "" {
		fmt.Printf("  S/N: %s\n", r.Serial)
	}
	fmt.Printf("  Output file: %s\n", r.OutFile)
	fmt.Printf("  Bytes read: %s\n", humanize.Comma(int64(r.BytesRead)))
	fmt.Printf("  Bytes written: %s\n", humanize.Comma(int64(r.BytesWritten)))
	fmt.Println()

	if r.HashValid {
		fmt.Printf("raw image md5:    %x\n", r.Digests.MD5)
		fmt.Printf("raw image sha1:   %x\n", r.Digests.SHA1)
		fmt.Printf("raw image sha256: %x\n", r.Digests.SHA256)
	}

	if r.Failed {
		fmt.Println("\nTHIS DRIVE COULD NOT BE IMAGED.")
	}
}
