package types

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// PropertyStatus is the listing availability of a property.
type PropertyStatus string

// Property statuses. Only active properties are eligible for search.
const (
	PropertyActive   PropertyStatus = "active"
	PropertySold     PropertyStatus = "sold"
	PropertyRented   PropertyStatus = "rented"
	PropertyInactive PropertyStatus = "inactive"
)

// IsValid reports whether s is a known property status.
func (s PropertyStatus) IsValid() bool {
	switch s {
	case PropertyActive, PropertySold, PropertyRented, PropertyInactive:
		return true
	}
	return false
}

// Address is the structured location of a property.
type Address struct {
	Street       string `json:"street,omitempty"`
	Neighborhood string `json:"neighborhood,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
}

// Property is a real-estate listing synchronised from an external source.
// Properties are soft-deleted through Status and never hard-deleted by the core.
type Property struct {
	ID           string         `json:"id"` // Stable external identifier
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Price        float64        `json:"price"`
	Address      Address        `json:"address"`
	Bedrooms     int            `json:"bedrooms"`
	PropertyType string         `json:"property_type,omitempty"` // apartamento, casa, ...
	URL          string         `json:"url,omitempty"`
	Status       PropertyStatus `json:"status"`

	// Embedding fields
	Embedding      []float32 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	ContentHash    string    `json:"content_hash,omitempty"` // Hash of the embedded text; changes trigger re-embedding

	LastSyncAt time.Time `json:"last_sync_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SearchableText returns the text that is both embedded and lexically indexed.
func (p *Property) SearchableText() string {
	parts := []string{p.Title, p.Description}
	if p.PropertyType != "" {
		parts = append(parts, p.PropertyType)
	}
	if p.Address.Neighborhood != "" {
		parts = append(parts, p.Address.Neighborhood)
	}
	if p.Address.City != "" {
		parts = append(parts, p.Address.City)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// ComputeContentHash hashes the fields whose change requires a new embedding.
func (p *Property) ComputeContentHash() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%.2f\x00%s",
		p.Title, p.Description, p.Price, p.SearchableText())))
	return fmt.Sprintf("%x", h)
}

// NeedsEmbedding reports whether the stored embedding is missing or stale.
func (p *Property) NeedsEmbedding(dimension int) bool {
	if len(p.Embedding) == 0 || (dimension > 0 && len(p.Embedding) != dimension) {
		return true
	}
	return p.ContentHash == "" || p.ContentHash != p.ComputeContentHash()
}

// IsSearchable reports whether the property can appear in search results:
// active, with an embedding of the index dimension.
func (p *Property) IsSearchable(dimension int) bool {
	if p.Status != PropertyActive || len(p.Embedding) == 0 {
		return false
	}
	return dimension <= 0 || len(p.Embedding) == dimension
}

// Validate checks the fields required to index a property.
func (p *Property) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("property id is required")
	}
	if strings.TrimSpace(p.Title) == "" && strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("property %s: title or description is required", p.ID)
	}
	if p.Price < 0 {
		return fmt.Errorf("property %s: price must not be negative", p.ID)
	}
	if p.Bedrooms < 0 {
		return fmt.Errorf("property %s: bedrooms must not be negative", p.ID)
	}
	if p.Status != "" && !p.Status.IsValid() {
		return fmt.Errorf("property %s: unknown status %q", p.ID, p.Status)
	}
	return nil
}
