package port

import (
	"context"
	"time"
)

type Lock interface {
	Release(ctx context.Context) error
}

type Locker interface {
	// Obtain takes key for ttl, domain.ErrLockNotObtained if it is held
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}
