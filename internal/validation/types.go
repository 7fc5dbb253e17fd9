package validation

// CartLine is a single line of a checkout request.
type CartLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=100"`
}

// CheckoutRequest is the payload for POST /checkout
type CheckoutRequest struct {
	Items          []CartLine `json:"items" validate:"required,min=1,max=50,dive"`
	ExpectedAmount *int64     `json:"expected_amount,omitempty" validate:"omitempty,gt=0"` // total the client displayed, in minor units
}

// ProductRequest is the payload for creating or replacing a catalog product.
type ProductRequest struct {
	ID             string `json:"id" validate:"required"`
	Name           string `json:"name" validate:"required"`
	Description    string `json:"description"`
	Price          int64  `json:"price" validate:"required,gt=0"`
	ImageURL       string `json:"image_url" validate:"omitempty,url"`
	InventoryCount int    `json:"inventory_count" validate:"gte=0"`
}
