// Package notify delivers change events produced by committed mutations.
package notify

import (
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
)

var (
	_ ports.ChangePublisher = Nop{}
	_ ports.ChangePublisher = (*SNS)(nil)
)

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, types.ChangeEvent) error { return nil }
