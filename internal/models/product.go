package models

// Product is the store metadata returned by a product lookup.
type Product struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

// ProductsResponse is the backend answer to a product lookup.
type ProductsResponse struct {
	Products           []Product `json:"products"`
	InvalidIdentifiers []string  `json:"invalidIdentifiers,omitempty"`
}
