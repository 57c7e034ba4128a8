package orm

import "github.com/cockroachdb/errors"

// Sentinel errors returned by sessions, registries and queries. Match them
// with errors.Is; returned errors carry the entity and key as context.
var (
	ErrUnknownEntity       = errors.New("entity type is not registered")
	ErrRegistryNotBuilt    = errors.New("registry must be built before use")
	ErrInvalidMapping      = errors.New("invalid mapping")
	ErrInvalidKey          = errors.New("invalid identifier")
	ErrNotFound            = errors.New("entity not found")
	ErrNotManaged          = errors.New("entity is not managed by this session")
	ErrIdentityConflict    = errors.New("another instance with the same identity is already managed")
	ErrDetachedReference   = errors.New("reference belongs to a cleared or foreign session")
	ErrUnpersistedRelation = errors.New("association points to an entity that is not persisted")
	ErrIdentifierChanged   = errors.New("identifier of a managed entity changed")
	ErrCommitOrderCycle    = errors.New("cannot order inserts: non-nullable association cycle")
	ErrQuerySyntax         = errors.New("query syntax error")
	ErrQueryParameter      = errors.New("query parameter error")
	ErrNonUniqueResult     = errors.New("query returned more than one result")
	ErrNoResult            = errors.New("query returned no result")
)
