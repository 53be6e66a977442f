package persistence

// Persistence bundles the store interfaces so the lifecycle service
// can depend on a single abstraction.
type Persistence struct {
	Tasks    TaskStore
	Models   ModelStore
	Projects ProjectStore
	Events   EventStore
}
