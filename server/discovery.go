package server

// BuildDiscoveryDocument assembles the OpenID Connect discovery
// metadata for the given issuer.
func BuildDiscoveryDocument(issuer string) map[string]any {
	return map[string]any{
		"issuer":                 issuer,
		"authorization_endpoint": issuer + "/authorize",
		"token_endpoint":         issuer + "/token",
		"userinfo_endpoint":      issuer + "/userinfo",
		"jwks_uri":               issuer + "/jwks.json",
		"revocation_endpoint":    issuer + "/revoke",
		"introspection_endpoint": issuer + "/introspect",
		"response_types_supported": []string{
			"code",
		},
		"grant_types_supported": []string{
			"authorization_code",
			"refresh_token",
			"client_credentials",
		},
		"code_challenge_methods_supported": []string{
			PKCEMethodS256,
			PKCEMethodPlain,
		},
		"token_endpoint_auth_methods_supported": []string{
			"client_secret_basic",
			"client_secret_post",
			"none",
		},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
		"scopes_supported": []string{
			"openid", "profile", "email", "phone", "offline_access",
		},
		"claims_supported": []string{
			"iss", "sub", "aud", "exp", "iat", "nonce",
			"name", "given_name", "family_name", "preferred_username",
			"email", "email_verified", "picture", "locale", "zoneinfo",
			"phone_number", "phone_number_verified",
		},
	}
}
