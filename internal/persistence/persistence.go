package persistence

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Definitions DefinitionStore
	Results     ResultStore
	Events      EventStore
}
