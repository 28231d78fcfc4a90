package ssh

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/melih/lighthouse/internal/core/ports"
)

// RemoteChecker reports listening TCP ports on a resource using ss.
type RemoteChecker struct {
	Transport ports.Transport
}

var _ ports.PortChecker = RemoteChecker{}

func (c RemoteChecker) UsedPorts(ctx context.Context, candidates []int) (map[int]bool, error) {
	out, err := c.Transport.Run(ctx, "ss -Htln")
	if err != nil {
		return nil, fmt.Errorf("listing ports: %w", err)
	}
	listening := parseListening(out)

	used := make(map[int]bool, len(candidates))
	for _, p := range candidates {
		if listening[p] {
			used[p] = true
		}
	}
	return used, nil
}

// parseListening reads `ss -Htln` output. The fourth column is the local
// address, e.g. 0.0.0.0:22, [::]:22 or 127.0.0.53%lo:53.
func parseListening(out []byte) map[int]bool {
	listening := map[int]bool{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		addr := fields[3]
		i := strings.LastIndex(addr, ":")
		if i < 0 {
			continue
		}
		if p, err := strconv.Atoi(addr[i+1:]); err == nil {
			listening[p] = true
		}
	}
	return listening
}
