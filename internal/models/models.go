// Package models defines types shared across internal packages.
package models

// Resource is one file reference reported by the picker widget.
type Resource struct {
	Path string `json:"path"`
}

// Selection is a single "selection updated" event. Order is preserved
// through resolution.
type Selection struct {
	Resources []Resource
}

// Paths returns the resource paths in selection order.
func (s Selection) Paths() []string {
	paths := make([]string, 0, len(s.Resources))
	for _, r := range s.Resources {
		paths = append(paths, r.Path)
	}

	return paths
}

// Message is the only payload ever sent to the embedding page.
type Message struct {
	Files []string `json:"files"`
	Ready bool     `json:"ready"`
}

// Clear is the "selection changed, do not act yet" message.
func Clear() Message {
	return Message{Files: []string{}, Ready: false}
}

// Snapshot is the configuration captured at the start of one resolution
// cycle. It is never mutated once taken.
type Snapshot struct {
	Server     string
	Token      string
	PublicLink bool
	// Duration is the public link lifetime in days.
	Duration int
}
