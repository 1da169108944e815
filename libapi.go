package natsflow

import (
	"context"
	"time"

	runtimepkg "github.com/drblury/natsflow/internal/runtime"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/natsflow/internal/runtime/handlers"
	idspkg "github.com/drblury/natsflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/natsflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/natsflow/internal/runtime/transport"
)

type (
	Config        = configpkg.Config
	Server        = runtimepkg.Server
	ServerOptions = runtimepkg.ServerOptions
	State         = runtimepkg.State
	Client        = runtimepkg.Client
	ClientOptions = runtimepkg.ClientOptions
	Connection    = transportpkg.Connection
	Metrics       = runtimepkg.Metrics
	HandlerInfo   = runtimepkg.HandlerInfo

	EventPublisher = runtimepkg.EventPublisher

	Registration                     = runtimepkg.Registration
	Handler                          = runtimepkg.Handler
	Request                          = runtimepkg.Request
	MessageContextBase               = handlerpkg.MessageContextBase
	JSONMessageContext[T any]        = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any, O any] = handlerpkg.JSONMessageHandler[T, O]

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	ConnectionError       = errspkg.ConnectionError
	TimeoutError          = errspkg.TimeoutError
	SerializationError    = errspkg.SerializationError
	HandlerError          = errspkg.HandlerError
	RemoteError           = errspkg.RemoteError
	ProvisioningError     = errspkg.ProvisioningError
	OverlapHazardError    = errspkg.OverlapHazardError
)

const (
	StateCreated      = runtimepkg.StateCreated
	StateConnecting   = runtimepkg.StateConnecting
	StateProvisioning = runtimepkg.StateProvisioning
	StateRunning      = runtimepkg.StateRunning
	StateClosing      = runtimepkg.StateClosing
	StateClosed       = runtimepkg.StateClosed
)

// Envelope header names.
const (
	HeaderReplyTo   = metadatapkg.HeaderReplyTo
	HeaderMessageID = metadatapkg.HeaderMessageID
	HeaderError     = metadatapkg.HeaderError
)

const (
	RetentionLimits    = configpkg.RetentionLimits
	RetentionInterest  = configpkg.RetentionInterest
	RetentionWorkQueue = configpkg.RetentionWorkQueue
	StorageFile        = configpkg.StorageFile
	StorageMemory      = configpkg.StorageMemory
)

var (
	NewServer         = runtimepkg.NewServer
	NewClient         = runtimepkg.NewClient
	NewEventPublisher = runtimepkg.NewEventPublisher
	NewConnection     = transportpkg.NewConnection
	ValidateConfig    = configpkg.ValidateConfig
	FromEnv           = configpkg.FromEnv
	IsFatal           = errspkg.IsFatal

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter
	NewNopLogger              = loggingpkg.NewNopLogger
	NewNATSServerLogger       = loggingpkg.NewNATSServerLogger

	NewMetadata  = metadatapkg.New
	NewMessageID = idspkg.NewMessageID

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrPatternRequired     = errspkg.ErrPatternRequired
	ErrInvalidPattern      = errspkg.ErrInvalidPattern
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrDuplicatePattern    = errspkg.ErrDuplicatePattern
	ErrPatternConflict     = errspkg.ErrPatternConflict
	ErrServerStarted       = errspkg.ErrServerStarted
	ErrServerClosed        = errspkg.ErrServerClosed
	ErrNotConnected        = errspkg.ErrNotConnected
	ErrConnectionClosed    = errspkg.ErrConnectionClosed
	ErrTimeout             = errspkg.ErrTimeout
	ErrEmitRequiresDurable = errspkg.ErrEmitRequiresDurable
	ErrClientClosed        = errspkg.ErrClientClosed
	ErrClientRequired      = errspkg.ErrClientRequired
)

// JSONHandler adapts a typed function into a Handler. The payload is decoded
// into T and the returned O becomes the reply body.
func JSONHandler[T any, O any](fn func(ctx context.Context, in T) (O, error)) Handler {
	return handlerpkg.JSONHandler(fn)
}

// JSONContextHandler is JSONHandler with access to headers, subject and
// delivery attempt.
func JSONContextHandler[T any, O any](fn JSONMessageHandler[T, O]) Handler {
	return handlerpkg.JSONContextHandler(fn)
}

// RequestJSON issues a request and decodes the reply into O.
func RequestJSON[O any](ctx context.Context, c *Client, pattern string, payload any, timeout time.Duration) (O, error) {
	return runtimepkg.RequestJSON[O](ctx, c, pattern, payload, timeout)
}
