//go:build linux

package hardening

import (
	"fmt"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

func drop() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("hardening: load current capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("hardening: load capability state: %w", err)
	}
	caps.Clear(capability.CAPS | capability.BOUNDS | capability.AMBS)
	if err := caps.Apply(capability.CAPS | capability.BOUNDS | capability.AMBS); err != nil {
		return fmt.Errorf("hardening: apply cleared capabilities: %w", err)
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("hardening: set no_new_privs: %w", err)
	}
	return nil
}
