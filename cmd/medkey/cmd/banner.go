package cmd

import (
	"fmt"
	"io"
)

const banner = `
  __  __          _ _  __
 |  \/  | ___  __| | |/ /___ _   _
 | |\/| |/ _ \/ _` + "`" + ` | ' // _ \ | | |
 | |  | |  __/ (_| | . \  __/ |_| |
 |_|  |_|\___|\__,_|_|\_\___|\__, |
                             |___/
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Patient Record Key Service - Version %s\x1b[0m\n\n", Version)
}
