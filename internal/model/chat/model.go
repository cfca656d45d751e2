package chat

// Model statuses as stored in the registry.
const (
	ModelStatusActive   = "active"
	ModelStatusDisabled = "disabled"
)

// Model is one entry of the LLM registry. Name is the identifier the
// provider API expects; ID is what clients reference.
type Model struct {
	ID          string `json:"id"`
	BrandID     string `json:"brandId"`
	BrandName   string `json:"brandName,omitempty"`
	Name        string `json:"name"`
	ServiceName string `json:"serviceName"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

// Brand groups models by vendor for the client-side picker.
type Brand struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Models []Model `json:"models"`
}
