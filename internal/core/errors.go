package core

import "errors"

var (
	ErrNotInitialized     = errors.New("contract is not initialized")
	ErrAlreadyInitialized = errors.New("contract is already initialized")
	ErrLegacySchema       = errors.New("state uses the legacy schema, run migration first")
	ErrUnsupportedSchema  = errors.New("unsupported state schema version")
	ErrAlreadyMigrated    = errors.New("state is already on the current schema")
	ErrNoState            = errors.New("no state to migrate from")
	ErrStateHashMismatch  = errors.New("state hash mismatch")
	ErrSequenceConflict   = errors.New("state sequence conflict")
	ErrCorruptState       = errors.New("corrupt state")
	ErrUnknownTicket      = errors.New("unknown bet ticket")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrEngineStopped      = errors.New("engine stopped")
)
