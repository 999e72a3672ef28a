// Package activation provides the listener for the serve command, preferring
// a socket passed in by systemd over binding the configured address.
package activation

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Listen returns the first socket-activated listener if the process was
// started by systemd, otherwise a TCP listener on addr.
func Listen(addr string, logger *slog.Logger) (net.Listener, error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, err
	}
	if len(listeners) > 0 {
		for _, extra := range listeners[1:] {
			logger.Warn("ignoring additional activated socket", "addr", extra.Addr().String())
			_ = extra.Close()
		}
		logger.Info("using socket-activated listener", "addr", listeners[0].Addr().String())
		return listeners[0], nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Listeners returns the systemd-activated listeners, or nil if the process
// was not socket activated.
func Listeners() ([]net.Listener, error) {
	n, err := activatedCount(os.Getenv, os.Getpid())
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor.
		_ = file.Close()
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	// Child processes (git) must not inherit the activation environment.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedCount reads LISTEN_PID and LISTEN_FDS and returns how many
// descriptors were passed to pid.
func activatedCount(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 1 {
		return 0, nil
	}
	return n, nil
}
