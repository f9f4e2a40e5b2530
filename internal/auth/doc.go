// Package auth provides bearer-token authentication for the coven-pool API.
//
// # Tokens
//
// Clients present HS256 JWTs signed with the configured jwt_secret:
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("ops-bot", []string{auth.RoleAdmin}, 24*time.Hour)
//
// Tokens carry:
//   - sub: the caller's identity (required)
//   - roles: optional string list; "admin" unlocks pool mutations
//   - iat and exp
//
// # HTTP Middleware
//
//	HTTPAuthMiddleware(verifier)  // 401 unless a valid bearer token is present
//	RequireAdminHTTP()            // 403 unless the token carries the admin role
//
// Handlers read the caller with FromContext.
package auth
