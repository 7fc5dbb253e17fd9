package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCheckoutRequest_Valid(t *testing.T) {
	v := New()

	expected := int64(2400)
	req := CheckoutRequest{
		Items: []CartLine{
			{ProductID: "p1", Quantity: 2},
			{ProductID: "p2", Quantity: 1},
		},
		ExpectedAmount: &expected,
	}

	if err := v.Struct(req); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestCheckoutRequest_DuplicateProduct(t *testing.T) {
	v := New()

	req := CheckoutRequest{
		Items: []CartLine{
			{ProductID: "p1", Quantity: 1},
			{ProductID: "p1", Quantity: 3},
		},
	}

	err := v.Struct(req)
	if err == nil {
		t.Fatal("expected validation error for duplicate product, got nil")
	}
	if got := FieldErrors(err)["CheckoutRequest.items"]; got != "unique_products" {
		t.Fatalf("expected unique_products, got %q", got)
	}
}

func TestCheckoutRequest_BadLines(t *testing.T) {
	v := New()

	cases := map[string]CheckoutRequest{
		"empty":         {Items: []CartLine{}},
		"zero quantity": {Items: []CartLine{{ProductID: "p1", Quantity: 0}}},
		"too many":      {Items: []CartLine{{ProductID: "p1", Quantity: 101}}},
		"no product":    {Items: []CartLine{{Quantity: 1}}},
	}
	for name, req := range cases {
		if err := v.Struct(req); err == nil {
			t.Fatalf("%s: expected validation error, got nil", name)
		}
	}
}

func TestProductRequest(t *testing.T) {
	v := New()

	if err := v.Struct(ProductRequest{ID: "p1", Name: "Mug", Price: 1200}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := v.Struct(ProductRequest{ID: "p1", Name: "Mug", Price: 1200, ImageURL: "not a url"}); err == nil {
		t.Fatal("expected url validation error")
	}
}

func TestBindAndValidate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := New()

	for body, want := range map[string]int{
		`{"items":[{"product_id":"p1","quantity":1}]}`: http.StatusOK,
		`{"items":[]}`: http.StatusBadRequest,
		`{"items":`:    http.StatusBadRequest,
	} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body))
		c.Request.Header.Set("Content-Type", "application/json")

		var req CheckoutRequest
		if err := BindAndValidate(c, &req, v); err == nil {
			c.Status(http.StatusOK)
		}
		if w.Code != want {
			t.Fatalf("%s: expected %d, got %d", body, want, w.Code)
		}
	}
}
