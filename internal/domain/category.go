package domain

// Category groups transactions for display.
type Category struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	Color string `json:"color,omitempty"`
}
