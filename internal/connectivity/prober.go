package connectivity

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Prober checks whether an address answers. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, address string) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, address string) error {
	return f(ctx, address)
}

// PingProber sends a single ICMP echo using the system ping binary.
type PingProber struct {
	Timeout time.Duration
}

// Probe runs `ping -c 1 -W <timeout> address`.
func (p PingProber) Probe(ctx context.Context, address string) error {
	if address == "" {
		return fmt.Errorf("device has no address")
	}
	if strings.HasPrefix(address, "-") {
		return fmt.Errorf("refusing to ping %q", address)
	}
	secs := int(p.Timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	// ping enforces -W itself; the context only guards against a hung process.
	ctx, cancel := context.WithTimeout(ctx, p.Timeout+2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(secs), address).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("ping %s: timed out", address)
	}
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if i := strings.LastIndex(detail, "\n"); i >= 0 {
			detail = detail[i+1:]
		}
		if detail == "" {
			return fmt.Errorf("ping %s: %w", address, err)
		}
		return fmt.Errorf("ping %s: %w (%s)", address, err, detail)
	}
	return nil
}
