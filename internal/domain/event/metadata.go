package event

// Well-known metadata keys.
const (
	MetaUserID        = "user_id"
	MetaCorrelationID = "correlation_id"
	MetaCausationID   = "causation_id"
	MetaPosition      = "position"
)

// Field is a single metadata entry.
type Field struct {
	Key   string `json:"key"   bson:"key"`
	Value string `json:"value" bson:"value"`
}

// Metadata is an ordered set of key/value fields. Keys are unique.
type Metadata []Field

// NewMetadata creates metadata with the tracing identifiers that are set.
func NewMetadata(userID, correlationID, causationID string) Metadata {
	var m Metadata
	if userID != "" {
		m = m.With(MetaUserID, userID)
	}
	if correlationID != "" {
		m = m.With(MetaCorrelationID, correlationID)
	}
	if causationID != "" {
		m = m.With(MetaCausationID, causationID)
	}
	return m
}

// Get returns the value stored under key.
func (m Metadata) Get(key string) (string, bool) {
	for _, f := range m {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// With returns a copy with key set to value, keeping the position of an
// existing key.
func (m Metadata) With(key, value string) Metadata {
	out := m.clone()
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Field{Key: key, Value: value})
}

// Without returns a copy with key removed.
func (m Metadata) Without(key string) Metadata {
	out := make(Metadata, 0, len(m))
	for _, f := range m {
		if f.Key != key {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Keys returns the keys in insertion order.
func (m Metadata) Keys() []string {
	keys := make([]string, len(m))
	for i, f := range m {
		keys[i] = f.Key
	}
	return keys
}

func (m Metadata) clone() Metadata {
	if m == nil {
		return nil
	}
	return append(make(Metadata, 0, len(m)+1), m...)
}
