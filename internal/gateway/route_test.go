package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterPrefersHigherSpecificity(t *testing.T) {
	literal := &Route{Name: "literal", Methods: []string{"GET"}, Path: "/users/me", Enabled: true}
	param := &Route{Name: "param", Methods: []string{"GET"}, Path: "/users/:id", Enabled: true}
	router := NewRouter([]*Route{param, literal})

	got, _, ok := router.Resolve("GET", "/users/me")
	require.True(t, ok)
	assert.Equal(t, "literal", got.Name)
}

func TestRouterBreaksTiesByRegistrationOrder(t *testing.T) {
	first := &Route{Name: "first", Methods: []string{"GET"}, Path: "/things/:id", Enabled: true}
	second := &Route{Name: "second", Methods: []string{"GET"}, Path: "/things/:name", Enabled: true}
	router := NewRouter([]*Route{first, second})

	got, params, ok := router.Resolve("GET", "/things/42")
	require.True(t, ok)
	assert.Equal(t, "first", got.Name)
	assert.Equal(t, "42", params["id"])
}

func TestRouterRejectsDisabledRoute(t *testing.T) {
	r := &Route{Name: "disabled", Methods: []string{"GET"}, Path: "/x", Enabled: false}
	router := NewRouter([]*Route{r})
	_, _, ok := router.Resolve("GET", "/x")
	assert.False(t, ok)
}

func TestRouterRejectsWrongMethod(t *testing.T) {
	r := &Route{Name: "get-only", Methods: []string{"GET"}, Path: "/x", Enabled: true}
	router := NewRouter([]*Route{r})
	_, _, ok := router.Resolve("POST", "/x")
	assert.False(t, ok)
}

func TestSubstitutePathFillsParams(t *testing.T) {
	got := substitutePath("/users/:id/orders/:orderId", map[string]string{"id": "7", "orderId": "99"})
	assert.Equal(t, "/users/7/orders/99", got)
}
