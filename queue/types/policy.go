// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// Policy is an operator- or user-defined configuration overlay applied to
// matching queues. Policy values take precedence over static declare
// arguments when both configure the same key.
type Policy struct {
	Name       string         `json:"name"`
	Operator   bool           `json:"operator"`
	Definition map[string]any `json:"definition"`
}

// StringValue returns the named policy definition entry as a string.
func (p *Policy) StringValue(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p.Definition[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Status classifies the local member of a queue's replicated group.
type Status string

const (
	StatusDown       Status = "down"
	StatusRecovering Status = "recovering"
	StatusRunning    Status = "running"
)
