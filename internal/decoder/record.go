package decoder

// Field is one named value of a record, in declaration order.
type Field struct {
	Name  string
	Value Value
}

// Record is one decoded log message.
type Record struct {
	Type string
	// Timestamp in seconds. For DataFlash logs this is boot-relative; for
	// tlogs it is the capture wall-clock time.
	Timestamp    float64
	HasTimestamp bool
	Fields       []Field
	// MAVLink source ids. Zero for DataFlash records.
	SrcSystem    uint8
	SrcComponent uint8
}

// Get returns the named field value.
func (r *Record) Get(name string) (Value, bool) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			return r.Fields[i].Value, true
		}
	}
	return Value{}, false
}

// GetString returns the named field rendered as text, or "" when absent.
func (r *Record) GetString(name string) string {
	v, ok := r.Get(name)
	if !ok {
		return ""
	}
	return v.String()
}

// GetFloat returns the named numeric field.
func (r *Record) GetFloat(name string) (float64, bool) {
	v, ok := r.Get(name)
	if !ok {
		return 0, false
	}
	return v.Float64()
}
