package serial

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Resolve maps a port name to the device node that backs it. The name must
// refer to an existing character device; symlinks such as
// /dev/serial/by-id/* are followed for the check but the name is kept as given.
func Resolve(name string) (string, error) {
	if name == "" {
		return "", opError("resolve", fmt.Errorf("%w: empty name", ErrUnknownPort))
	}
	fi, err := os.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", opError("resolve", fmt.Errorf("%w: %s", ErrUnknownPort, name))
		}
		return "", opError("resolve", err)
	}
	if fi.Mode()&fs.ModeCharDevice == 0 {
		return "", opError("resolve", fmt.Errorf("%w: %s is not a character device", ErrUnknownPort, name))
	}
	return name, nil
}
