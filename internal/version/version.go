package version

import "fmt"

// Version variable will be replaced at link time after `make` has been run.
var Version = "latest"

// Date variable will be replaced at link time. Describes when this program was built
var Date = ""

// String is the banner printed by --version.
func String() string {
	if Date == "" {
		return fmt.Sprintf("demuxpump version %s", Version)
	}
	return fmt.Sprintf("demuxpump version %s\nbuilt at: %s", Version, Date)
}
