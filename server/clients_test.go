package server

import (
	"context"
	"testing"
)

func testSeeds() []ClientSeed {
	return []ClientSeed{
		{
			ID:           "webapp",
			Name:         "Web App",
			Secret:       "s3cret",
			RedirectURIs: []string{"https://rp.test/callback"},
			Scopes:       []string{"openid", "profile"},
		},
		{
			ID:           "spa",
			Public:       true,
			RedirectURIs: []string{"http://127.0.0.1:3000/callback"},
			Scopes:       []string{"openid"},
		},
	}
}

func TestClientRegistryAuthenticate(t *testing.T) {
	reg, err := NewClientRegistry(testSeeds())
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	ctx := context.Background()

	if _, err := reg.Authenticate(ctx, "webapp", "s3cret"); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	if _, err := reg.Authenticate(ctx, "webapp", "wrong"); ErrorCode(err) != ErrorInvalidClient {
		t.Errorf("wrong secret: err = %v, want invalid_client", err)
	}
	if _, err := reg.Authenticate(ctx, "nobody", "s3cret"); ErrorCode(err) != ErrorInvalidClient {
		t.Errorf("unknown client: err = %v, want invalid_client", err)
	}
	if _, err := reg.Authenticate(ctx, "spa", ""); err != nil {
		t.Errorf("public client with empty secret rejected: %v", err)
	}
	if _, err := reg.Authenticate(ctx, "spa", "anything"); ErrorCode(err) != ErrorInvalidClient {
		t.Errorf("public client with a secret: err = %v, want invalid_client", err)
	}
}

func TestClientRegistrySeedValidation(t *testing.T) {
	cases := map[string][]ClientSeed{
		"empty id":               {{Secret: "x", RedirectURIs: []string{"https://a.test"}}},
		"duplicate":              {testSeeds()[0], testSeeds()[0]},
		"confidential no secret": {{ID: "a", RedirectURIs: []string{"https://a.test"}}},
		"public with secret":     {{ID: "a", Public: true, Secret: "x"}},
	}
	for name, seeds := range cases {
		if _, err := NewClientRegistry(seeds); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestClientRegistryDisabledClient(t *testing.T) {
	seeds := testSeeds()
	seeds[0].Disabled = true
	reg, err := NewClientRegistry(seeds)
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	if _, err := reg.Get(context.Background(), "webapp"); err != ErrNotFound {
		t.Fatalf("disabled client should be invisible, got %v", err)
	}
}

func TestValidRedirect(t *testing.T) {
	client := Client{RedirectURIs: []string{
		"https://rp.test/callback",
		"http://127.0.0.1:3000/cb",
	}}

	cases := []struct {
		uri  string
		want bool
	}{
		{"https://rp.test/callback", true},
		{"http://127.0.0.1:3000/cb", true},
		{"https://rp.test/callback/extra", false},
		{"https://evil.test/callback", false},
		{"https://rp.test/callback#frag", false},
		{"/callback", false},
		{"", false},
		{"://bad", false},
	}
	for _, tc := range cases {
		if got := client.ValidRedirect(tc.uri); got != tc.want {
			t.Errorf("ValidRedirect(%q) = %v, want %v", tc.uri, got, tc.want)
		}
	}
}
