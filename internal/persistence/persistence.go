package persistence

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Funnels     FunnelStore
	Enrollments EnrollmentStore
	Retries     RetryStore
	Tests       ABTestStore
}

// Store is implemented by backends that provide every store interface.
type Store interface {
	FunnelStore
	EnrollmentStore
	RetryStore
	ABTestStore
}

// FromStore returns a Persistence whose members are all s.
func FromStore(s Store) Persistence {
	return Persistence{
		Funnels:     s,
		Enrollments: s,
		Retries:     s,
		Tests:       s,
	}
}
