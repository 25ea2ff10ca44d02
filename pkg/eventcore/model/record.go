package model

// RecordMetadata describes one producer write, just enough to track it as
// in-flight: the key it was written under, the offset the broker assigned,
// and where it landed.
type RecordMetadata struct {
	Key       *string
	Offset    uint64
	Topic     string
	Partition uint32
}

// InFlight tracks the most recent RecordMetadata per entity key. Only the
// largest offset per key is kept; superseded writes collapse into it.
type InFlight struct {
	byKey map[string]RecordMetadata
}

// NewInFlight returns an empty in-flight set.
func NewInFlight() *InFlight {
	return &InFlight{byKey: make(map[string]RecordMetadata)}
}

// Upsert records meta for its key, keeping whichever of the existing entry
// and meta has the larger offset.
func (f *InFlight) Upsert(meta RecordMetadata) {
	if meta.Key == nil {
		return
	}
	existing, ok := f.byKey[*meta.Key]
	if !ok || meta.Offset > existing.Offset {
		f.byKey[*meta.Key] = meta
	}
}

// Get returns the in-flight record for key, if any.
func (f *InFlight) Get(key string) (RecordMetadata, bool) {
	m, ok := f.byKey[key]
	return m, ok
}

// Len returns the number of keys currently tracked as in-flight.
func (f *InFlight) Len() int {
	return len(f.byKey)
}

// RetireUpTo removes every in-flight record whose offset is <= processedOffset
// for the given topic/partition, returning the keys that were retired.
func (f *InFlight) RetireUpTo(topic string, partition uint32, processedOffset uint64) []string {
	var retired []string
	for key, meta := range f.byKey {
		if meta.Topic != topic || meta.Partition != partition {
			continue
		}
		if meta.Offset <= processedOffset {
			delete(f.byKey, key)
			retired = append(retired, key)
		}
	}
	return retired
}
