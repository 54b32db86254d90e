//go:build !linux

package geoloc

import (
	"fmt"
	"os"
)

func openSerial(path string, baud int) (*os.File, error) {
	return nil, fmt.Errorf("geoloc: serial receivers are not supported on this platform")
}
