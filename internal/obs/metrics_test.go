package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                           "/",
		"/metrics":                   "/metrics",
		"/v1/requests":               "/v1/requests",
		"/v1/requests/42":            "/v1/requests/:id",
		"/v1/requests/42/approve":    "/v1/requests/:id/approve",
		"/v1/requests/42/deny":       "/v1/requests/:id/deny",
		"/v1/requests/42/payments":   "/v1/requests/:id/payments",
		"/v1/requests/42/extend":     "/v1/requests/:id/extend",
		"/v1/requests/42/extra":      "/v1/requests/42/extra",
		"/v1/access":                 "/v1/access",
		"/v1/permissions?resource=":  "/v1/permissions",
		"/v1/requests?limit=10":      "/v1/requests",
		"/v1/requests/7?pretty=true": "/v1/requests/:id",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
