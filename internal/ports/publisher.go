package ports

import (
	"confstore/internal/types"
	"context"
)

type ChangePublisher interface {
	Publish(ctx context.Context, event types.ChangeEvent) error
}
