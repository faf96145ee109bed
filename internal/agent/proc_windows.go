//go:build windows

package agent

import "os/exec"

// setProcAttr is a no-op on Windows; job objects would be the
// equivalent and context cancellation kills the direct child.
func setProcAttr(cmd *exec.Cmd) {}

// terminateProcessGroup is a no-op on Windows.
func terminateProcessGroup(pid int) error { return nil }

// killProcessGroup is a no-op on Windows.
func killProcessGroup(pid int) error { return nil }
