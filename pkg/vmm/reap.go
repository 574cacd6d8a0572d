package vmm

import "os/exec"

// reap waits for the backing process and records its exit, guaranteeing
// the PID is reaped (spec.md §4.9: "on return, the PID is guaranteed
// reaped"). It must run for every Handle Boot produces.
func (h *Handle) reap() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	h.mu.Lock()
	h.exitErr = err
	h.exitCode = code
	h.mu.Unlock()
	if h.consoleLog != nil {
		h.consoleLog.Close()
	}
	close(h.exited)
}
