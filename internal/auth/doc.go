// Package auth provides authentication for dmsync.
//
// # Authentication Method
//
// Clients authenticate with JWT tokens signed with HS256 using the
// configured jwt_secret. The token's "sub" claim carries the user id; the
// sync core treats that id as opaque and already resolved.
//
// # Token Management
//
// Generate a token for a user:
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate(userID, 30*24*time.Hour)
//
// Verify a presented token:
//
//	userID, err := verifier.Verify(token)
//
// Verification rejects tokens with a bad signature, a non-HMAC signing
// method, an expired "exp" claim, or a missing "sub" claim.
package auth
