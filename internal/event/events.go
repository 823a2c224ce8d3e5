package event

import "github.com/opencode-ai/opencode-core/pkg/types"

// ConfigUpdatedProps is the payload of config.updated. It carries the
// merged config that is now on disk.
type ConfigUpdatedProps struct {
	Config *types.Config `json:"config" validate:"required"`
}

// SessionCreatedProps is the payload of session.created.
type SessionCreatedProps struct {
	Info *types.Session `json:"info" validate:"required"`
}

// SessionUpdatedProps is the payload of session.updated.
type SessionUpdatedProps struct {
	Info *types.Session `json:"info" validate:"required"`
}

// SessionDeletedProps is the payload of session.deleted.
type SessionDeletedProps struct {
	SessionID string `json:"sessionID" validate:"required"`
}

// MessageUpdatedProps is the payload of message.updated.
type MessageUpdatedProps struct {
	Info *types.Message `json:"info" validate:"required"`
}

// PartUpdatedProps is the payload of message.part.updated.
type PartUpdatedProps struct {
	Part types.Part `json:"part"`
}

// StorageMigratedProps is the payload of storage.migrated, published on
// the global bus after each applied migration step.
type StorageMigratedProps struct {
	Directory string `json:"directory" validate:"required"`
	Version   int    `json:"version" validate:"min=1"`
}

var (
	ConfigUpdated   = Define[ConfigUpdatedProps]("config.updated")
	SessionCreated  = Define[SessionCreatedProps]("session.created")
	SessionUpdated  = Define[SessionUpdatedProps]("session.updated")
	SessionDeleted  = Define[SessionDeletedProps]("session.deleted")
	MessageUpdated  = Define[MessageUpdatedProps]("message.updated")
	PartUpdated     = Define[PartUpdatedProps]("message.part.updated")
	StorageMigrated = Define[StorageMigratedProps]("storage.migrated")
)
