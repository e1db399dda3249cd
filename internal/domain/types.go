package domain

// Metadata is a free-form JSON-compatible key-value map.
type Metadata map[string]any

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ResourceList maps a resource name (cpu, memory, accelerator) to an
// integer quantity in the smallest unit tracked for that resource.
type ResourceList map[string]int64

func (r ResourceList) Clone() ResourceList {
	out := make(ResourceList, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Add returns r + other without mutating either operand.
func (r ResourceList) Add(other ResourceList) ResourceList {
	out := r.Clone()
	for k, v := range other {
		out[k] += v
	}
	return out
}

// Sub returns r - other, clamped at zero per resource.
func (r ResourceList) Sub(other ResourceList) ResourceList {
	out := r.Clone()
	for k, v := range other {
		out[k] -= v
		if out[k] < 0 {
			out[k] = 0
		}
	}
	return out
}

// FitsIn reports whether every requested quantity fits under the limit.
// Resources absent from the limit are treated as unlimited.
func (r ResourceList) FitsIn(limit ResourceList) bool {
	for k, v := range r {
		lim, ok := limit[k]
		if !ok {
			continue
		}
		if v > lim {
			return false
		}
	}
	return true
}

// IsZero reports whether the list requests nothing.
func (r ResourceList) IsZero() bool {
	for _, v := range r {
		if v > 0 {
			return false
		}
	}
	return true
}
