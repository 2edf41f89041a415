// Command aimage is a forensic block-device imager: it reads a source
// device, file, or network stream front-to-back and back-to-front,
// recovering around I/O errors, and writes a compressed, hash-verified,
// page-structured archive that a later recover-scan pass can complete.
package main

import (
	"os"

	"github.com/Obsidian-Covenant/aimage/cmd"
)

func main() {
	cmd.SetArgs(os.Args[1:])
	cmd.Execute()
}
