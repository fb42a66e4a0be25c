package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/accounts/u-1":                  "/v1/accounts/:id",
		"/v1/accounts/u-1/claim":            "/v1/accounts/:id/claim",
		"/v1/accounts/u-1/referrals":        "/v1/accounts/:id/referrals",
		"/v1/accounts/u-1/auto-mining-rate": "/v1/accounts/:id/auto-mining-rate",
		"/v1/accounts/u-1/extra":            "/v1/accounts/u-1/extra",
		"/v1/users/u-1/sessions":            "/v1/users/:id/sessions",
		"/v1/sessions/current":              "/v1/sessions/current",
		"/v1/sessions/current?x=1":          "/v1/sessions/current",
		"/v1/referrals/redeem":              "/v1/referrals/redeem",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInitBuildInfoIsRepeatable(t *testing.T) {
	InitBuildInfo("1.0.0", "")
	InitBuildInfo("1.0.0", "abc")
}
