package indexflow

import (
	runtimepkg "github.com/drblury/indexflow/internal/runtime"
	configpkg "github.com/drblury/indexflow/internal/runtime/config"
	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/hooks"
	idspkg "github.com/drblury/indexflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/indexflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/indexflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/indexflow/internal/runtime/metadata"
	"github.com/drblury/indexflow/internal/runtime/notify"
	"github.com/drblury/indexflow/internal/runtime/pipeline"
	"github.com/drblury/indexflow/internal/runtime/plugins"
	"github.com/drblury/indexflow/internal/runtime/plugins/builtin"
	"github.com/drblury/indexflow/internal/runtime/schema"
	"github.com/drblury/indexflow/internal/runtime/stream"
	"github.com/drblury/indexflow/internal/runtime/tenant"
	"github.com/drblury/indexflow/transport"
)

type (
	Config              = configpkg.Config
	DatabaseConfig      = configpkg.Database
	Snapshot            = configpkg.Snapshot
	PluginDescriptor    = configpkg.PluginDescriptor
	ContextBinding      = configpkg.ContextBinding
	Relation            = configpkg.Relation
	Slot                = configpkg.Slot
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	ServiceLogger = loggingpkg.ServiceLogger
	LogFields     = loggingpkg.LogFields
	Metadata      = metadatapkg.Metadata

	Notification = notify.Notification
	Source       = stream.Source
	Stream       = stream.Stream
	Model        = stream.Model
	MemorySource = stream.MemorySource

	HookEvent   = hooks.Event
	HookHandler = hooks.Handler
	HookScope   = hooks.Scope

	Plugin            = plugins.Plugin
	PluginFactory     = plugins.Factory
	PluginInstance    = plugins.Instance
	PluginDeclaration = plugins.Declaration
	PluginServices    = plugins.Services
	PluginRegistry    = plugins.Registry

	Outcome       = pipeline.Outcome
	State         = pipeline.State
	StatsSnapshot = pipeline.StatsSnapshot
	JobHooks      = pipeline.JobHooks
	JobContext    = pipeline.JobContext

	TenantOpener = tenant.Opener
	TenantStore  = tenant.Store

	Table       = schema.Table
	TableSchema = schema.TableSchema
	Page        = schema.Page

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig
	LoadSnapshot   = configpkg.LoadSnapshot
	ParseSnapshot  = configpkg.ParseSnapshot

	NewMemorySource = stream.NewMemorySource
	NewCachedSource = stream.NewCachedSource

	NewPluginRegistry = plugins.NewRegistry
	RegisterBuiltins  = builtin.Register

	LoggingHooks = pipeline.LoggingHooks

	GetCapabilities          = transport.GetCapabilities
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrSourceRequired    = errspkg.ErrSourceRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrRejected          = errspkg.ErrRejected
	ErrUnknownSlot       = errspkg.ErrUnknownSlot
	ErrUnknownTable      = errspkg.ErrUnknownTable
	ErrStreamNotFound    = errspkg.ErrStreamNotFound
	ErrModelNotFound     = errspkg.ErrModelNotFound
	ErrUnknownTransport  = transport.ErrUnknownTransport

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewJSONServiceLogger = loggingpkg.NewJSONServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Hook names, in pipeline order. Generate runs once per slot at start.
const (
	HookGenerate    = hooks.Generate
	HookValidate    = hooks.Validate
	HookAddMetadata = hooks.AddMetadata
	HookUpdate      = hooks.Update
	HookPostProcess = hooks.PostProcess

	GlobalContext = hooks.GlobalContext
	DefaultSlot   = configpkg.DefaultSlot
)

// Pipeline terminal states.
const (
	StateDone     = pipeline.StateDone
	StateRejected = pipeline.StateRejected
	StateFailed   = pipeline.StateFailed
)

// Metadata keys carried by feed notifications.
const (
	MetadataKeyStreamID      = metadatapkg.KeyStreamID
	MetadataKeyModelID       = metadatapkg.KeyModelID
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeySlot          = metadatapkg.KeySlot
)
