// Package activation picks up sockets handed over by systemd socket activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/schaermu/slicesync/internal/syncerr"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Listeners returns the systemd-activated listeners.
// It checks for systemd socket activation via LISTEN_PID and LISTEN_FDS environment variables.
// Returns nil if no socket activation is detected or if the activation is not for this process.
func Listeners() ([]net.Listener, error) {
	numFDs, err := activatedFDs()
	if err != nil || numFDs == 0 {
		return nil, err
	}

	names := strings.Split(os.Getenv("LISTEN_FDNAMES"), ":")
	listeners := make([]net.Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		name := fmt.Sprintf("systemd-socket-%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		file := os.NewFile(uintptr(fd), name)
		if file == nil {
			closeAll(listeners)
			return nil, syncerr.Newf(syncerr.KindNetwork, "failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// Close the file descriptor (listener holds its own dup)
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, syncerr.Wrapf(err, syncerr.KindNetwork, "failed to create listener from fd %d", fd)
		}
		listeners = append(listeners, listener)
	}

	// Unset the environment variables so child processes don't inherit them
	unsetEnv()
	return listeners, nil
}

// Listener returns the first activated listener, or nil when the process was
// started without socket activation. Additional sockets are closed.
func Listener() (net.Listener, error) {
	listeners, err := Listeners()
	if err != nil || len(listeners) == 0 {
		return nil, err
	}
	closeAll(listeners[1:])
	return listeners[0], nil
}

// activatedFDs returns how many descriptors were passed to this process.
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, syncerr.Wrapf(err, syncerr.KindConfig, "invalid LISTEN_PID %q", pidStr)
	}
	if pid != os.Getpid() {
		// Socket activation is for a different process
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, syncerr.Wrapf(err, syncerr.KindConfig, "invalid LISTEN_FDS %q", fdsStr)
	}
	if numFDs < 1 {
		return 0, nil
	}
	return numFDs, nil
}

func unsetEnv() {
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
