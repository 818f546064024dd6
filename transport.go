package arcus

import (
	"fmt"
	"strings"
)

// Kind selects the transport backing a connection.
type Kind int

const (
	KindTCP Kind = iota
	KindUnix
	KindUDP
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUnix:
		return "unix"
	case KindUDP:
		return "udp"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a transport name ("tcp", "unix", "udp") to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return KindTCP, nil
	case "unix":
		return KindUnix, nil
	case "udp":
		return KindUDP, nil
	default:
		return 0, fmt.Errorf("arcus: unknown transport %q", s)
	}
}

// network returns the Go network name used to dial this kind.
func (k Kind) network() string {
	return k.String()
}

// Endpoint is the target of a connection. TCP and UDP addresses are
// host:port, Unix addresses are socket paths.
type Endpoint struct {
	Kind    Kind
	Address string
}

func (e Endpoint) String() string {
	return e.Kind.String() + "://" + e.Address
}

// Channel is one live transport session.
//
// Write sends a single, already terminated command line. It returns true when
// the session is stale and the caller should reconnect; every other failure
// is reported by the channel itself.
type Channel interface {
	Write(line string) (reconnect bool)
	Close() error
}

// SyncMode is the datagram channel's guess about reply framing.
type SyncMode int

const (
	// SyncFramed expects replies to carry a frame header.
	SyncFramed SyncMode = iota
	// SyncRaw sends requests without headers and treats the next reply as a
	// bare datagram.
	SyncRaw
)

func (m SyncMode) String() string {
	if m == SyncRaw {
		return "raw"
	}
	return "framed"
}

func (m SyncMode) toggle() SyncMode {
	if m == SyncRaw {
		return SyncFramed
	}
	return SyncRaw
}
