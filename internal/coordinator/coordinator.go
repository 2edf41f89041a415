// Package coordinator implements the Acquisition Coordinator (spec.md
// §4.8): the per-source lifecycle that opens the source, primes the
// archive sink's metadata, installs the compression controller as the
// sink's phase callback, drives the read loop or recover-scan, finalizes
// hashes and metadata, and closes everything down — including on a
// signal-triggered exit.
package coordinator

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Obsidian-Covenant/aimage/internal/adaptive"
	"github.com/Obsidian-Covenant/aimage/internal/classifier"
	"github.com/Obsidian-Covenant/aimage/internal/errs"
	"github.com/Obsidian-Covenant/aimage/internal/hashset"
	"github.com/Obsidian-Covenant/aimage/internal/ident"
	"github.com/Obsidian-Covenant/aimage/internal/readloop"
	"github.com/Obsidian-Covenant/aimage/internal/recoverscan"
	"github.com/Obsidian-Covenant/aimage/internal/sink"
	"github.com/Obsidian-Covenant/aimage/internal/source"
)

// Config is the whole of one acquisition's immutable configuration,
// resolved by the CLI/config layer before the Coordinator is ever built.
// DESIGN NOTES §9 asks that configuration be "an immutable value passed
// into the Coordinator" rather than the original tool's process-globals;
// this struct is that value.
type Config struct {
	CommandLine string // recorded verbatim as a metadata segment

	InputName    string // device path, "-", or "listen:<port>"
	AllowRegular bool
	OutFile      string // may contain a "%d" template

	SectorSizeOverride int // 0 means use the source's own reported size
	PageSize           int
	MaxArchiveSize     uint64

	Skip           uint64 // starting low watermark, in sectors
	Reverse        bool   // start reverse-first
	ErrorMode      int    // 0 recover, 1 abort-on-first-error
	RetryCount     int
	ReadSectors    int
	RecoverScan    bool
	AppendMode     bool

	// AttachCmd/DetachCmd, when set, are shell commands run to bring up (and
	// tear down before retrying) a named ATA/IDE bus before InputName can be
	// opened — imager.cpp's open_dev attach/detach retry loop, ported as
	// internal/source.AttachRetry.
	AttachCmd string
	DetachCmd string

	Compression      sink.Algorithm
	CompressionLevel int
	AdaptiveCompress bool

	NoHash          bool
	MultithreadHash bool

	NoIdent   bool
	NoMACAddr bool
	NoDmesg   bool
	FastQuit  bool // first interrupt exits immediately instead of shutting down gracefully

	Technician map[string]string // case number, technician name, etc.

	OnStatus func(readloop.Status)
}

// Report is the human-readable summary spec.md §7 calls for: printed by
// the CLI after Run returns.
type Report struct {
	InputID      string
	Model        string
	Serial       string
	OutFile      string
	BytesRead    uint64
	BytesWritten uint64
	HashValid    bool
	Digests      hashset.Digests
	Failed       bool
}

// Coordinator owns exactly one source/sink pair for exactly one run; spec
// §3's lifecycle note ("re-entry is not supported") means Run must only
// ever be called once per Coordinator.
type Coordinator struct {
	cfg Config

	src  source.Source
	snk  *sink.Archive
	ran  bool

	lockPath string

	totalBytesWritten uint64
	model, serial     string
}

// New builds a Coordinator from a resolved configuration. It does not open
// anything yet; Run does the rest of the lifecycle.
func New(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// Run drives the full lifecycle in spec.md §4.8's order and returns the
// final human-readable report. It is the only entry point the CLI calls.
func (c *Coordinator) Run() (Report, error) {
	if c.ran {
		return Report{}, fmt.Errorf("coordinator: Run called twice on the same Coordinator")
	}
	c.ran = true

	if c.cfg.RecoverScan {
		return c.runRecoverScan()
	}
	return c.runAcquisition()
}

func (c *Coordinator) runAcquisition() (Report, error) {
	if err := c.validateConfig(); err != nil {
		return Report{}, err
	}

	outPath, err := resolveOutputPath(c.cfg.OutFile, c.cfg.AppendMode)
	if err != nil {
		return Report{}, err
	}

	if c.cfg.AttachCmd != "" || c.cfg.DetachCmd != "" {
		opts := source.AttachOptions{Attach: c.cfg.AttachCmd, Detach: c.cfg.DetachCmd}
		if err := source.AttachRetry(opts, nil); err != nil {
			return Report{}, err
		}
	}

	src, err := source.Open(c.cfg.InputName, c.cfg.AllowRegular)
	if err != nil {
		return Report{}, err
	}
	c.src = src
	defer src.Close()

	lockPath, err := acquireLock(src.Descriptor().ID)
	if err != nil {
		return Report{}, err
	}
	c.lockPath = lockPath
	defer releaseLock(c.lockPath)

	snk, err := sink.Open(outPath, true)
	if err != nil {
		return Report{}, err
	}
	c.snk = snk

	setCurrent(c)
	defer clearCurrent(c)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	stopWatch := make(chan struct{})
	defer func() {
		signal.Stop(sigCh)
		close(stopWatch)
	}()
	go c.watchSignals(sigCh, stopWatch)

	report, err := c.primeAndAcquire(src, snk)
	if err != nil {
		_ = snk.Close()
		return report, err
	}
	return report, nil
}

// validateConfig implements the ConfigurationError checks spec §7 requires
// fatal before the source is ever opened.
func (c *Coordinator) validateConfig() error {
	if c.cfg.OutFile == "" {
		return errs.NewConfigurationError("output path is required")
	}
	if filepath.Ext(c.cfg.OutFile) == "" && !strings.Contains(c.cfg.OutFile, "%d") {
		return errs.NewConfigurationError("output path %q has no extension", c.cfg.OutFile)
	}
	if c.cfg.Reverse && c.cfg.InputName == "-" {
		return errs.NewConfigurationError("reverse start requires a known-size source, not stdin")
	}
	if strings.HasPrefix(c.cfg.InputName, "listen:") && c.cfg.Reverse {
		return errs.NewConfigurationError("reverse start requires a known-size source, not a stream")
	}
	return nil
}

func (c *Coordinator) primeAndAcquire(src source.Source, snk *sink.Archive) (Report, error) {
	desc := src.Descriptor()
	sectorSize := desc.SectorSize
	if c.cfg.SectorSizeOverride > 0 {
		sectorSize = c.cfg.SectorSizeOverride
	}

	pageSize := c.cfg.PageSize
	if pageSize == 0 {
		pageSize = 16 * 1024 * 1024
	}

	snk.SetSectorSize(sectorSize)
	snk.SetPageSize(pageSize)
	if c.cfg.MaxArchiveSize > 0 {
		snk.SetMaxSize(c.cfg.MaxArchiveSize)
	}

	algo := c.cfg.Compression
	if algo == "" {
		algo = sink.AlgorithmZlib
	}
	snk.EnableCompression(algo, c.cfg.CompressionLevel)

	if !c.cfg.AppendMode {
		snk.UpdateSeg(sink.SegCommandLine, []byte(c.cfg.CommandLine))
		snk.UpdateSeg(sink.SegDevice, []byte(desc.ID))
		if desc.TotalSectors > 0 {
			snk.UpdateSegQ(sink.SegDeviceSectors, int64(desc.TotalSectors))
		}

		c.identifySource(desc)

		snk.MakeGID()
	} else if err := c.verifyAppendTarget(snk, desc); err != nil {
		return Report{}, err
	}

	for name, value := range c.cfg.Technician {
		snk.UpdateSeg("technician/"+name, []byte(value))
	}

	snk.SetAcquisitionDate(time.Now())

	var hash hashset.Hasher
	if c.cfg.MultithreadHash {
		hash = hashset.NewAsync()
	} else {
		hash = hashset.New()
	}
	cls := classifier.New(sectorSize)
	ctrl := adaptive.New(snk, c.cfg.AdaptiveCompress)

	snk.SetCallback(func(info sink.CallbackInfo) {
		if info.Phase == sink.PhaseWriteEnd {
			c.totalBytesWritten += uint64(info.BytesWritten)
		}
		ctrl.Observe(info)
	})

	loopCfg := readloop.Config{
		Low:            c.cfg.Skip,
		High:           desc.TotalSectors,
		StartDirection: 1,
		ReadSectors:    c.cfg.ReadSectors,
		ErrorMode:      c.cfg.ErrorMode,
		RetryCount:     c.cfg.RetryCount,
		NoHash:         c.cfg.NoHash,
	}
	if c.cfg.Reverse {
		loopCfg.StartDirection = -1
	}
	if loopCfg.ReadSectors <= 0 {
		loopCfg.ReadSectors = 256
	}
	if loopCfg.RetryCount <= 0 {
		loopCfg.RetryCount = 5
	}

	start := time.Now()
	loop := readloop.New(src, snk, hash, cls, loopCfg, c.cfg.OnStatus)
	result, err := loop.Run()
	elapsed := time.Since(start)

	// Final drains the async worker (a no-op join for the synchronous
	// Set) exactly once, whether or not the loop itself errored — a
	// SinkIOError from the loop still leaves a hash worker goroutine that
	// must be joined before we return.
	hashInvalid := result.HashInvalid || hash.Invalid()
	digests := hash.Final()
	c.finalizeMetadata(snk, result, elapsed, hashInvalid, digests)

	if err != nil {
		_ = snk.Close()
		return c.buildReport(desc, result, true), err
	}

	if closeErr := snk.Close(); closeErr != nil {
		return c.buildReport(desc, result, true), closeErr
	}

	// A clean loop exit with an invalidated hash (bad sectors encountered
	// and marked) still leaves the image uncertifiable, per spec.md §7:
	// the report must carry that as a failure, not just a missing digest.
	report := c.buildReport(desc, result, hashInvalid)
	report.HashValid = !hashInvalid
	if !hashInvalid {
		report.Digests = digests
	}
	return report, nil
}

// finalizeMetadata implements spec.md §4.8 step 7: store digests only if
// the hash is still valid, always store bad/blank counts and elapsed time.
func (c *Coordinator) finalizeMetadata(snk *sink.Archive, result readloop.Result, elapsed time.Duration, hashInvalid bool, digests hashset.Digests) {
	if !hashInvalid {
		snk.UpdateSeg(sink.SegMD5, digests.MD5[:])
		snk.UpdateSeg(sink.SegSHA1, digests.SHA1[:])
		snk.UpdateSeg(sink.SegSHA256, digests.SHA256[:])
	} else {
		snk.DelSeg(sink.SegMD5)
		snk.DelSeg(sink.SegSHA1)
		snk.DelSeg(sink.SegSHA256)
	}
	snk.UpdateSegQ(sink.SegBadSectors, int64(result.BadSectorsRead))
	snk.UpdateSegQ(sink.SegBlankSectors, int64(result.TotalBlankSectors))
	snk.UpdateSegQ(sink.SegSeconds, int64(elapsed.Seconds()))
}

func (c *Coordinator) buildReport(desc source.Descriptor, result readloop.Result, failed bool) Report {
	return Report{
		InputID:      desc.ID,
		Model:        c.model,
		Serial:       c.serial,
		OutFile:      c.cfg.OutFile,
		BytesRead:    result.TotalSectorsRead * uint64(desc.SectorSize),
		BytesWritten: c.totalBytesWritten,
		Failed:       failed,
	}
}

// identifySource performs the best-effort OS identification spec.md
// §4.8 step 3 describes, gated by the NoIdent/NoMACAddr/NoDmesg flags.
// Every failure here is swallowed without logging: the matching segment is
// simply not written, and nothing about acquisition depends on it succeeding.
func (c *Coordinator) identifySource(desc source.Descriptor) {
	if !c.cfg.NoIdent {
		if dev, ok := ident.Probe(desc.ID); ok {
			if dev.Manufacturer != "" {
				c.snk.UpdateSeg(sink.SegManufacturer, []byte(dev.Manufacturer))
			}
			if dev.Model != "" {
				c.snk.UpdateSeg(sink.SegModel, []byte(dev.Model))
				c.model = dev.Model
			}
			if dev.Serial != "" {
				c.snk.UpdateSeg(sink.SegSerial, []byte(dev.Serial))
				c.serial = dev.Serial
			}
			if dev.Firmware != "" {
				c.snk.UpdateSeg(sink.SegFirmware, []byte(dev.Firmware))
			}
		}
	}

	if !c.cfg.NoMACAddr {
		if macs := ident.MACAddresses(); len(macs) > 0 {
			c.snk.UpdateSeg(sink.SegMACAddresses, []byte(strings.Join(macs, ",")))
		}
	}

	if !c.cfg.NoDmesg {
		if text, ok := ident.KernelRingBuffer(); ok {
			c.snk.UpdateSeg(sink.SegKernelRing, []byte(text))
		}
	}
}

// verifyAppendTarget implements DESIGN NOTES §9(c): append mode is a
// fail-fast check, not a silent continuation — the existing archive's
// recorded device path and sector count must match the attached source.
func (c *Coordinator) verifyAppendTarget(snk *sink.Archive, desc source.Descriptor) error {
	if raw, ok, _ := snk.GetSeg(sink.SegDevice); ok {
		if string(raw) != desc.ID {
			return errs.NewConfigurationError(
				"append target was acquired from %q, not %q", string(raw), desc.ID)
		}
	}
	if raw, ok, _ := snk.GetSeg(sink.SegDeviceSectors); ok && len(raw) == 8 && desc.TotalSectors > 0 {
		existing := binary.LittleEndian.Uint64(raw)
		if existing != desc.TotalSectors {
			return errs.NewConfigurationError(
				"append target has %d sectors recorded, attached source reports %d", existing, desc.TotalSectors)
		}
	}
	return nil
}

func (c *Coordinator) runRecoverScan() (Report, error) {
	src, err := source.Open(c.cfg.InputName, c.cfg.AllowRegular)
	if err != nil {
		return Report{}, err
	}
	c.src = src
	defer src.Close()

	lockPath, err := acquireLock(src.Descriptor().ID)
	if err != nil {
		return Report{}, err
	}
	c.lockPath = lockPath
	defer releaseLock(c.lockPath)

	setCurrent(c)
	defer clearCurrent(c)

	result, err := recoverscan.Run(c.cfg.OutFile, src, c.cfg.OnStatus)
	if err != nil {
		return Report{}, err
	}

	return Report{
		InputID: src.Descriptor().ID,
		OutFile: c.cfg.OutFile,
		Failed:  result.PagesStillGone > 0,
	}, nil
}

// Shutdown is invoked by the signal handler (or directly, by the first
// interrupt). It disables compression, clears the callback, flushes, and
// closes the sink — the graceful half of spec.md §4.8's interrupt policy.
func (c *Coordinator) Shutdown() {
	if c.snk == nil {
		return
	}
	c.snk.DisableCompression()
	c.snk.SetCallback(nil)
	_ = c.snk.Close()
}

// watchSignals waits for the first interrupt/terminate signal and runs the
// graceful-shutdown half of spec.md §5's interrupt policy. stopWatch lets
// the coordinator cancel the watch cleanly once Run has already returned
// on its own, so this goroutine never outlives a normal exit.
func (c *Coordinator) watchSignals(sigCh chan os.Signal, stopWatch <-chan struct{}) {
	select {
	case <-stopWatch:
		return
	case <-sigCh:
	}

	if c.cfg.FastQuit {
		os.Exit(130)
	}

	done := make(chan struct{})
	go func() {
		if cur := getCurrent(); cur != nil {
			cur.Shutdown()
		}
		close(done)
	}()

	select {
	case <-sigCh:
		// A second interrupt during shutdown exits immediately.
		os.Exit(130)
	case <-done:
		os.Exit(1)
	}
}

// outputTemplate matches a "%d"-style placeholder in an output path.
var outputTemplate = regexp.MustCompile(`%d`)

// resolveOutputPath implements spec.md §4.8 step 1's "%d" expansion: when
// outFile contains the placeholder, scan the directory for existing
// matches and pick the next integer; otherwise error on collision unless
// appendMode is set.
func resolveOutputPath(outFile string, appendMode bool) (string, error) {
	if !outputTemplate.MatchString(outFile) {
		if !appendMode {
			if _, err := os.Stat(outFile); err == nil {
				return "", errs.NewConfigurationError("output file %q already exists", outFile)
			}
		}
		return outFile, nil
	}

	dir := filepath.Dir(outFile)
	base := filepath.Base(outFile)
	prefix, suffix, ok := splitOnce(base, "%d")
	if !ok {
		return "", errs.NewConfigurationError("malformed %%d template %q", outFile)
	}

	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return "", errs.NewConfigurationError("scan output directory %q: %v", dir, err)
	}

	taken := map[int]bool{}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		if n, err := strconv.Atoi(mid); err == nil {
			taken[n] = true
		}
	}

	n := 0
	for taken[n] {
		n++
	}
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", prefix, n, suffix)), nil
}

func splitOnce(s, sep string) (before, after string, ok bool) {
	idx := strings.Index(s, sep)
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+len(sep):], true
}
