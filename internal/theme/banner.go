package theme

import (
	"fmt"
)

// Banner returns the skylark startup banner.
func Banner() string {
	const cyan = "\033[36m"
	const blue = "\033[34m"
	const yellow = "\033[33m"
	const reset = "\033[0m"

	art := "" +
		"   ~ " + blue + "SKYLARK" + reset + " ~\n" +
		cyan + "      __\n" + reset +
		cyan + "  >('  )   timelines, kept fresh\n" + reset +
		cyan + "   (___)\n" + reset +
		yellow + "  ------------------------------\n" + reset
	return art
}

// PrintBanner prints the banner to stdout.
func PrintBanner() {
	fmt.Print(Banner())
}
