package iterator

// Iterator defines the interface for iterating over key-value pairs in key
// order. A new iterator is positioned before the first key, so the usual
// loop is
//
//	for it.Next() {
//		use(it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	// SeekToFirst positions the iterator at the first key
	SeekToFirst()

	// Seek positions the iterator at the first key >= target
	Seek(target []byte) bool

	// Next advances the iterator to the next key
	Next() bool

	// Key returns the current key
	Key() []byte

	// Value returns the current value
	Value() []byte

	// Valid returns true if the iterator is positioned at a valid entry
	Valid() bool

	// Err returns the error that stopped iteration, if any
	Err() error

	// Close releases the iterator
	Close() error
}
