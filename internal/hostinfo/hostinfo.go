// Package hostinfo holds the value types describing a cluster's membership:
// HostInfo (one instance) and Topology (a full snapshot, at most one writer
// plus zero or more readers).
package hostinfo

import (
	"errors"
	"strconv"
	"strings"
)

// Role is the replication role of an instance within a topology snapshot.
type Role int

const (
	RoleReader Role = iota
	RoleWriter
)

func (r Role) String() string {
	if r == RoleWriter {
		return "writer"
	}

	return "reader"
}

// Health is the last known reachability state of a host, tracked outside
// of HostInfo by a TopologyService.
type Health int

const (
	HealthUnknown Health = iota
	HealthUp
	HealthDown
)

func (h Health) String() string {
	switch h {
	case HealthUp:
		return "up"
	case HealthDown:
		return "down"
	default:
		return "unknown"
	}
}

// HostInfo is a point-in-time description of one cluster member. It is
// immutable; health state lives in the TopologyService, not here.
type HostInfo struct {
	InstanceName string
	Host         string
	Port         int
	Role         Role
}

// HostPort returns the "host:port" pair, primarily for logging.
func (h HostInfo) HostPort() string {
	return h.Host + ":" + strconv.Itoa(h.Port)
}

// SameAs compares two hosts by instance name when both have a non-empty
// name, falling back to (host, port) otherwise. This mirrors
// HOST_INFO::is_host_same in the original driver.
func SameAs(a, b HostInfo) bool {
	if a.InstanceName != "" && b.InstanceName != "" {
		return a.InstanceName == b.InstanceName
	}

	return a.Host == b.Host && a.Port == b.Port
}

// ErrEmptyTopology is returned by constructors when no hosts are supplied.
var ErrEmptyTopology = errors.New("topology must contain at least one host")

// ErrMultipleWriters is returned when more than one writer is present in a
// single snapshot.
var ErrMultipleWriters = errors.New("topology must contain exactly one writer")

// Topology is an ordered, immutable snapshot of cluster membership:
// at most one writer, zero or more readers.
type Topology struct {
	hosts []HostInfo
}

// New builds a Topology from a flat list of hosts, validating the writer
// invariants: at least one host, writer uniqueness.
func New(hosts []HostInfo) (Topology, error) {
	if len(hosts) == 0 {
		return Topology{}, ErrEmptyTopology
	}

	writers := 0

	for _, h := range hosts {
		if h.Role == RoleWriter {
			writers++
		}
	}

	if writers > 1 {
		return Topology{}, ErrMultipleWriters
	}

	out := make([]HostInfo, len(hosts))
	copy(out, hosts)

	return Topology{hosts: out}, nil
}

// TotalHosts returns the number of hosts in the snapshot.
func (t Topology) TotalHosts() int {
	return len(t.hosts)
}

// IsEmpty reports whether the snapshot has no hosts at all.
func (t Topology) IsEmpty() bool {
	return len(t.hosts) == 0
}

// Writer returns the snapshot's writer, or false if none is present (a
// topology mid-failover may be temporarily writer-less).
func (t Topology) Writer() (HostInfo, bool) {
	for _, h := range t.hosts {
		if h.Role == RoleWriter {
			return h, true
		}
	}

	return HostInfo{}, false
}

// Readers returns every reader in the snapshot, in the order the
// TopologyService produced them.
func (t Topology) Readers() []HostInfo {
	readers := make([]HostInfo, 0, len(t.hosts))

	for _, h := range t.hosts {
		if h.Role == RoleReader {
			readers = append(readers, h)
		}
	}

	return readers
}

// Hosts returns every host in the snapshot.
func (t Topology) Hosts() []HostInfo {
	out := make([]HostInfo, len(t.hosts))
	copy(out, t.hosts)

	return out
}

// ExpandHostPattern resolves an instance name to an endpoint using the
// configured HOST_PATTERN template, e.g. "?.cluster-xyz.us-east-1.rds.
// amazonaws.com" -> "instance-1.cluster-xyz.us-east-1.rds.amazonaws.com".
// An empty pattern yields instanceName itself; a non-empty pattern without
// a "?" placeholder is returned unchanged.
func ExpandHostPattern(pattern, instanceName string) string {
	if pattern == "" {
		return instanceName
	}

	return strings.Replace(pattern, "?", instanceName, 1)
}
