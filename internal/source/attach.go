package source

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/Obsidian-Covenant/aimage/internal/errs"
)

// AttachOptions names the shell commands used to attach and detach a
// friendly-named ATA/IDE bus before the resulting device node can be
// opened, mirroring open_dev()'s cmd_attach/cmd_detach pair in
// imager.cpp. Both commands are OS-specific and supplied by the caller
// (the coordinator's configuration); this package only owns the retry
// policy.
type AttachOptions struct {
	Attach string
	Detach string
}

// runCmd runs a shell command and wraps any failure as a TransientAttachError.
func runCmd(cmd string) error {
	if cmd == "" {
		return nil
	}
	c := exec.Command("sh", "-c", cmd)
	if err := c.Run(); err != nil {
		return &errs.TransientAttachError{Cmd: cmd, Err: err}
	}
	return nil
}

// AttachRetry runs opts.Detach (best effort), then attempts opts.Attach up
// to 10 times with linearly increasing sleeps between attempts, per
// spec.md §7's TransientAttachError policy. It returns the last attach
// error if every attempt failed.
func AttachRetry(opts AttachOptions, sleep func(time.Duration)) error {
	if sleep == nil {
		sleep = time.Sleep
	}

	if err := runCmd(opts.Detach); err != nil {
		// Initial detach failing is only a warning: continue anyway.
		fmt.Printf("warning: %v\n", err)
	}

	const attempts = 10
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := runCmd(opts.Attach); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if i < attempts-1 {
			sleep(time.Duration(i) * 3 * time.Second)
			_ = runCmd(opts.Detach) // detach before retrying; non-fatal on failure
		}
	}
	return lastErr
}
