// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"context"
	"time"

	"github.com/absmach/quorumq/queue/raft"
	"github.com/absmach/quorumq/queue/types"
)

const publishTimeout = 10 * time.Second

// Stream is the applied-event subscription of one group member.
type Stream interface {
	Subscribe() (<-chan raft.Event, func())
}

// Watch consumes dead-letter effects from one queue's event stream and
// routes them until the stream closes or stop is called. Effects only
// surface on the leader member, so at most one node routes each message.
func (r *Router) Watch(identity types.QueueIdentity, stream Stream) (stop func()) {
	events, cancel := stream.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range events {
			if ev.Effects == nil || len(ev.Effects.DeadLetters) == 0 {
				continue
			}
			ctx, cancelPub := context.WithTimeout(context.Background(), publishTimeout)
			_ = r.Route(ctx, identity, ev.Effects.DeadLetters)
			cancelPub()
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
