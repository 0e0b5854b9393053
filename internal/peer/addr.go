package peer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"chainp2p/internal/crypto"
	"chainp2p/internal/proto"
)

type Status uint8

const (
	UnInitialized Status = iota
	Initiated
	DiscoverySucceeded
	DiscoveryFailed
	HandshakeSucceeded
	HandshakeFailed
)

func (s Status) String() string {
	switch s {
	case UnInitialized:
		return "uninitialized"
	case Initiated:
		return "initiated"
	case DiscoverySucceeded:
		return "discovery_succeeded"
	case DiscoveryFailed:
		return "discovery_failed"
	case HandshakeSucceeded:
		return "handshake_succeeded"
	case HandshakeFailed:
		return "handshake_failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reason says why an address last failed.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonTimeout
	ReasonExpired
	ReasonSignature
	ReasonSelfDial
	ReasonConnectionClosed
	ReasonMalformed
	ReasonTableFull
	ReasonIdentityMismatch
	ReasonRetriesExhausted
	ReasonOther
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonTimeout:
		return "timeout"
	case ReasonExpired:
		return "expired"
	case ReasonSignature:
		return "signature_invalid"
	case ReasonSelfDial:
		return "self_dial"
	case ReasonConnectionClosed:
		return "connection_closed"
	case ReasonMalformed:
		return "frame_malformed"
	case ReasonTableFull:
		return "table_full"
	case ReasonIdentityMismatch:
		return "identity_mismatch"
	case ReasonRetriesExhausted:
		return "retries_exhausted"
	default:
		return "other"
	}
}

func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

var ErrIdentityMismatch = errors.New("identity mismatch")

// ReasonFor maps an attempt error onto a Reason.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, proto.ErrHandshakeTimeout):
		return ReasonTimeout
	case errors.Is(err, proto.ErrHandshakeExpired):
		return ReasonExpired
	case errors.Is(err, proto.ErrSignatureInvalid):
		return ReasonSignature
	case errors.Is(err, proto.ErrSelfDial):
		return ReasonSelfDial
	case errors.Is(err, proto.ErrConnectionClosed):
		return ReasonConnectionClosed
	case errors.Is(err, proto.ErrFrameMalformed):
		return ReasonMalformed
	case errors.Is(err, ErrTableFull):
		return ReasonTableFull
	case errors.Is(err, ErrIdentityMismatch):
		return ReasonIdentityMismatch
	default:
		return ReasonOther
	}
}

// Address is a table entry. An Unknown address has only an endpoint; a Known
// one also has the peer's public key and is keyed by its node id.
type Address struct {
	PubKey    []byte
	NodeID    [32]byte
	Endpoint  proto.Endpoint
	Status    Status
	Reason    Reason
	UpdatedAt time.Time
	// Slot is -1 once the address no longer holds a table slot.
	Slot int
}

func UnknownAddress(ep proto.Endpoint) Address {
	return Address{Endpoint: ep, Slot: -1}
}

func KnownAddress(pub []byte, ep proto.Endpoint) (Address, error) {
	if _, err := crypto.ParsePublicKey(pub); err != nil {
		return Address{}, err
	}
	return Address{
		PubKey:   append([]byte(nil), pub...),
		NodeID:   crypto.DeriveNodeID(pub),
		Endpoint: ep,
		Slot:     -1,
	}, nil
}

func (a Address) Known() bool {
	return len(a.PubKey) > 0
}

// Key is the hex node id for Known addresses and the endpoint key otherwise.
func (a Address) Key() string {
	if a.Known() {
		return hex.EncodeToString(a.NodeID[:])
	}
	return EndpointKey(a.Endpoint)
}

// EndpointKey identifies an address by ip:disc_port.
func EndpointKey(ep proto.Endpoint) string {
	return ep.UDP().String()
}

func (a Address) String() string {
	if a.Known() {
		return fmt.Sprintf("%x@%s", a.NodeID[:4], a.Endpoint)
	}
	return "?@" + a.Endpoint.String()
}

func (a Address) clone() Address {
	if a.PubKey != nil {
		a.PubKey = append([]byte(nil), a.PubKey...)
	}
	return a
}
