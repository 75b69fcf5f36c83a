package memutils

// Validatable is any object that can run internal consistency checks on
// itself. Validate should return nil when the object's invariants hold.
type Validatable interface {
	Validate() error
}
