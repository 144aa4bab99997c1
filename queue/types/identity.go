// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package types holds the shared data model for replicated queues:
// identities, handles, deliveries and per-queue policy.
package types

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// Errors returned by identity validation.
var (
	ErrAutoDelete     = errors.New("auto-delete is not supported by replicated queues")
	ErrExclusiveOwner = errors.New("exclusive owner is not supported by replicated queues")
)

// deniedArguments lists declare arguments a replicated queue rejects.
// These options assume a single-node mutable queue and cannot be honoured
// by the deterministic state machine.
var deniedArguments = []string{
	"x-message-ttl",
	"x-max-length",
	"x-max-length-bytes",
	"x-max-priority",
	"x-queue-mode",
}

// QueueIdentity names a queue within a virtual host.
type QueueIdentity struct {
	VHost   string `json:"vhost" yaml:"vhost"`
	Name    string `json:"name" yaml:"name"`
	Durable bool   `json:"durable" yaml:"durable"`

	// Declaration-time knobs. AutoDelete and ExclusiveOwner must stay at
	// their zero values; Validate rejects anything else.
	AutoDelete     bool           `json:"auto_delete,omitempty" yaml:"auto_delete,omitempty"`
	ExclusiveOwner string         `json:"exclusive_owner,omitempty" yaml:"exclusive_owner,omitempty"`
	Arguments      map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Validate checks that the identity is declarable as a replicated queue.
// Violations are reported before any state is touched.
func (q QueueIdentity) Validate() error {
	if q.Name == "" {
		return errors.New("queue name must not be empty")
	}
	if q.AutoDelete {
		return ErrAutoDelete
	}
	if q.ExclusiveOwner != "" {
		return ErrExclusiveOwner
	}
	for _, arg := range deniedArguments {
		if _, ok := q.Arguments[arg]; ok {
			return fmt.Errorf("argument %q is not supported by replicated queues", arg)
		}
	}
	return nil
}

// Key returns the vhost-scoped lookup key for the queue.
func (q QueueIdentity) Key() string {
	return q.VHost + "/" + q.Name
}

// StringArgument returns the named declare argument as a string.
func (q QueueIdentity) StringArgument(name string) (string, bool) {
	v, ok := q.Arguments[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GroupPortWindow is the number of port slots above a node's base raft
// port available to group transports.
const GroupPortWindow = 1000

// GroupIdentity is the translation of a QueueIdentity into a replicated
// group: a cluster-unique group name plus the fixed set of member nodes.
// It is computed once at declare time and persists unchanged for the life
// of the queue.
type GroupIdentity struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`

	// PortOffset positions the group's raft transport above each node's
	// base raft port. Seeded from the group name at declare time; the
	// declaring node reassigns it if a registered queue already holds
	// the slot.
	PortOffset int `json:"port_offset"`
}

// NewGroupIdentity derives the group identity for a queue from the current
// cluster membership. Characters that are unsafe in directory or registry
// names are replaced; since that replacement is lossy, a checksum of the
// raw vhost-scoped key keeps distinct queues on distinct group names.
func NewGroupIdentity(q QueueIdentity, members []string) GroupIdentity {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			case r == '-' || r == '_' || r == '.':
				return r
			default:
				return '_'
			}
		}, s)
	}

	sum := fnv.New32a()
	sum.Write([]byte(q.Key()))
	name := fmt.Sprintf("%s_%s_%08x", sanitize(q.VHost), sanitize(q.Name), sum.Sum32())

	ms := make([]string, len(members))
	copy(ms, members)

	port := fnv.New32a()
	port.Write([]byte(name))

	return GroupIdentity{
		Name:       name,
		Members:    ms,
		PortOffset: int(port.Sum32() % GroupPortWindow),
	}
}

// HasMember reports whether node is part of the group.
func (g GroupIdentity) HasMember(node string) bool {
	for _, m := range g.Members {
		if m == node {
			return true
		}
	}
	return false
}

// QueueHandle is the externally visible binding between a group and the
// node currently believed to lead it. Staleness is tolerated transiently;
// the next remote call against a stale handle is redirected or fails fast.
type QueueHandle struct {
	GroupName string `json:"group_name"`
	Leader    string `json:"leader"`
}

// QueueDefinition is the durable record of a declared queue: its identity,
// its replicated group and the current handle.
type QueueDefinition struct {
	Identity QueueIdentity `json:"identity"`
	Group    GroupIdentity `json:"group"`
	Handle   QueueHandle   `json:"handle"`
}
