package sqlstore

import (
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/ratelimit"
)

var (
	_ core.DeliveryStore    = (*DeliveryStore)(nil)
	_ core.DeadLetterStore  = (*DeadLetterStore)(nil)
	_ core.IdempotencyStore = (*IdempotencyStore)(nil)
	_ core.IdempotencyStore = (*CachedIdempotencyStore)(nil)

	_ ratelimit.WindowStore = (*RateLimitWindowStore)(nil)
)
