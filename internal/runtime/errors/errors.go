package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired     = sterrors.New("indexflow: configuration is required")
	ErrLoggerRequired     = sterrors.New("indexflow: logger is required")
	ErrSourceRequired     = sterrors.New("indexflow: stream source is required")
	ErrPublisherRequired  = sterrors.New("indexflow: publisher is required")
	ErrTopicRequired      = sterrors.New("indexflow: topic is required")
	ErrStreamIDRequired   = sterrors.New("indexflow: stream id is required")
	ErrModelIDRequired    = sterrors.New("indexflow: model id is required")
	ErrUnknownHook        = sterrors.New("indexflow: hook was never registered")
	ErrUnknownSlot        = sterrors.New("indexflow: unknown tenant slot")
	ErrUnknownPlugin      = sterrors.New("indexflow: no factory for plugin id")
	ErrStreamNotFound     = sterrors.New("indexflow: stream not found")
	ErrModelNotFound      = sterrors.New("indexflow: model not found")
	ErrTableNotFound      = sterrors.New("indexflow: table is not mapped")
	ErrRejected           = sterrors.New("indexflow: event rejected by validation")
	ErrUnknownTable       = sterrors.New("indexflow: relation does not exist")
	ErrNoSchema           = sterrors.New("indexflow: query schema has not been generated")
	ErrDuplicateInstance  = sterrors.New("indexflow: duplicate plugin instance uuid")
	ErrReaderNotAvailable = sterrors.New("indexflow: read-only role is not available")
)

// ConfigValidationError marks configuration problems detected at start-up.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "indexflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil for a nil error.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// HookExecutionError reports a single plugin handler failure. The dispatcher
// logs it and carries on with the remaining handlers of the stage.
type HookExecutionError struct {
	Hook       string
	PluginID   string
	PluginUUID string
	Err        error
}

func (e *HookExecutionError) Error() string {
	return fmt.Sprintf("indexflow: hook %s of plugin %s (%s) failed: %v", e.Hook, e.PluginID, e.PluginUUID, e.Err)
}

func (e *HookExecutionError) Unwrap() error { return e.Err }

// PluginLoadError reports a plugin instance that could not be constructed or
// initialised. The instance is skipped.
type PluginLoadError struct {
	PluginID string
	UUID     string
	Err      error
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("indexflow: plugin %s (%s) failed to load: %v", e.PluginID, e.UUID, e.Err)
}

func (e *PluginLoadError) Unwrap() error { return e.Err }

// ConnectionError wraps pool exhaustion, timeouts and backend failures that
// are not SQL-level errors.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("indexflow: connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SchemaGenerationError is returned when the query schema could not be
// rebuilt. The previously generated schema stays in use.
type SchemaGenerationError struct {
	Slot string
	Err  error
}

func (e *SchemaGenerationError) Error() string {
	return fmt.Sprintf("indexflow: query schema generation failed for slot %s: %v", e.Slot, e.Err)
}

func (e *SchemaGenerationError) Unwrap() error { return e.Err }

// ProvisioningError is returned when an upsert still fails after its table
// was provisioned and the operation retried once.
type ProvisioningError struct {
	ModelID string
	Table   string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("indexflow: upsert into %s for model %s failed after provisioning: %v", e.Table, e.ModelID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
