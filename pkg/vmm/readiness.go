package vmm

import (
	"bufio"
	"fmt"
	"time"

	"github.com/mdlayher/vsock"
)

// healthProbeMessage/healthOKResponse form the minimal wire protocol
// the controller speaks to the guest's health listener (spec.md §4.9:
// "connects to a known vsock port and issues a health probe").
const (
	healthProbeMessage = "HEALTH\n"
	healthOKResponse   = "OK\n"
)

// probeVsockHealth dials the guest's health port over AF_VSOCK and
// waits for an OK response within timeout.
func probeVsockHealth(cid uint32, port uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return fmt.Errorf("dial vsock cid=%d port=%d: %w", cid, port, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	if _, err := conn.Write([]byte(healthProbeMessage)); err != nil {
		return fmt.Errorf("write health probe: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}
	if line != healthOKResponse {
		return fmt.Errorf("unexpected health response: %q", line)
	}
	return nil
}
