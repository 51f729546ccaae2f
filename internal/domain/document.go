package domain

// DocumentState is the shared document of an editor room. Version is allocated
// by the server and only ever grows.
type DocumentState struct {
	Content          string `json:"content"`
	Version          int64  `json:"version"`
	LastModifiedBy   string `json:"lastModifiedBy,omitempty"`
	LastModifiedAtMs int64  `json:"lastModifiedAtMs,omitempty"`
}

// NewerThan reports whether d should replace other under last-writer-wins.
func (d DocumentState) NewerThan(other DocumentState) bool {
	return d.Version > other.Version
}
