package locking

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/rs/xid"
	"github.com/shirou/gopsutil/v4/host"
)

// Rid identifies one running process taking part in locking. Claims carry
// it so a process can recognize its own entries and so ties between equal
// timestamps have a deterministic winner.
type Rid []byte

// NewRid builds a Rid from an optional prefix, a host fingerprint, the pid
// and a globally unique xid.
func NewRid(prefix string) Rid {
	parts := make([]string, 0, 4)
	if p := strings.TrimSpace(prefix); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, hostFingerprint(), fmt.Sprintf("%d", os.Getpid()), xid.New().String())
	return Rid(strings.Join(parts, "-"))
}

// RidFromString wraps an externally supplied identity.
func RidFromString(s string) Rid {
	return Rid(s)
}

// String renders the Rid for logs.
func (r Rid) String() string { return string(r) }

// Compare orders Rids bytewise.
func (r Rid) Compare(other Rid) int { return bytes.Compare(r, other) }

// Equal reports bytewise equality.
func (r Rid) Equal(other Rid) bool { return bytes.Equal(r, other) }

func hostFingerprint() string {
	id, err := host.HostID()
	if err != nil || strings.TrimSpace(id) == "" {
		id, err = os.Hostname()
		if err != nil {
			id = "unknown"
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return fmt.Sprintf("%08x", h.Sum32())
}
