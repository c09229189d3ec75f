package models

import "context"

// ActorSource represents how a mutation reached the core.
type ActorSource string

const (
	SourceManual ActorSource = "manual" // operator acting through the UI or API
	SourceCLI    ActorSource = "cli"    // administrative command line
	SourceSystem ActorSource = "system" // automated pipeline
)

// String returns the string representation of an ActorSource.
func (s ActorSource) String() string {
	return string(s)
}

// IsValid returns true if the source is a known actor source.
func (s ActorSource) IsValid() bool {
	switch s {
	case SourceManual, SourceCLI, SourceSystem:
		return true
	default:
		return false
	}
}

// Actor identifies who performs a core operation. It is resolved by the
// identity collaborator before any core call and then passed explicitly.
type Actor struct {
	// ID is the caller identity recorded as actor_id on change log entries.
	ID string

	// Source indicates how the operation was performed.
	Source ActorSource

	// CanAdminMutate is the "may perform admin mutations" capability.
	CanAdminMutate bool
}

// actorKey is the context key for storing the resolved actor.
type actorKey struct{}

// WithActor returns a new context carrying the actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// GetActor retrieves the actor from the context.
// Returns the actor and true if present, otherwise a zero value and false.
func GetActor(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
