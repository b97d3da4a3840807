package common

import (
	"github.com/ternarybob/banner"
)

// PrintBanner renders the startup banner with the running version.
func PrintBanner() {
	banner.PrintSimple("Arca", GetVersion())
}
