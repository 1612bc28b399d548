package serial

import (
	"fmt"
	"io"

	bugst "go.bug.st/serial"
)

// allow tests to override the system enumerator
var getPortsList = bugst.GetPortsList

// ListPorts writes the name of every serial port the system reports to w, one
// per line, in the order the enumerator returns them. No ports is not an error.
func ListPorts(w io.Writer) error {
	ports, err := getPortsList()
	if err != nil {
		return opError("list ports", err)
	}
	for _, name := range ports {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return opError("write console", err)
		}
	}
	return nil
}
