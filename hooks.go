package hooks

import (
	"context"

	hookscommand "github.com/goliatone/go-hooks/command"
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/webhooks"
)

type Config = core.Config

type Delivery = core.Delivery
type DeliveryStatus = core.DeliveryStatus
type RetryAttempt = core.RetryAttempt
type DeadLetter = core.DeadLetter
type DeadLetterFilter = core.DeadLetterFilter
type IdempotencyRecord = core.IdempotencyRecord

type Handler = core.Handler
type HandlerFunc = core.HandlerFunc
type Outcome = core.Outcome
type InboundRequest = core.InboundRequest

type DeliveryStore = core.DeliveryStore
type DeadLetterStore = core.DeadLetterStore
type IdempotencyStore = core.IdempotencyStore
type MetricsRecorder = core.MetricsRecorder

type HandlerRegistry = webhooks.HandlerRegistry

type SweepResult = hookscommand.SweepResult

const AnyEventType = webhooks.AnyEventType

var (
	Permanent   = core.Permanent
	Transient   = core.Transient
	IsPermanent = core.IsPermanent
	MapError    = core.MapError
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewHandlerRegistry() *HandlerRegistry {
	return webhooks.NewHandlerRegistry()
}

// LoadConfig layers the YAML file at path (when set) over the defaults and
// validates the result.
func LoadConfig(ctx context.Context, path string) (Config, error) {
	var loader core.RawConfigLoader = core.StaticConfigLoader{}
	if path != "" {
		loader = core.FileConfigLoader{Path: path}
	}
	return core.NewCfgxConfigProvider(loader).Load(ctx, core.DefaultConfig())
}
