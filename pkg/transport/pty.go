package transport

import "github.com/creack/pty"

// OpenPty allocates a pseudo-terminal pair and returns a transport on
// the master side together with the slave device path; the host
// attaches with `target remote /dev/pts/N`, the closest shape to the
// COM port the stub was born on.
func OpenPty() (*IO, string, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, "", err
	}
	return NewIO(master), slave.Name(), nil
}
