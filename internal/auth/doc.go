// Package auth is the pass/fail bearer-token gate in front of the HTTP bindings.
//
// # Verifiers
//
// A TokenVerifier maps a bearer token to a principal id:
//
//   - JWTVerifier accepts HS256 tokens signed with auth.jwt_secret and reads the
//     principal from the "sub" claim.
//   - StaticTokens accepts tokens listed in auth.tokens (compared in constant
//     time) and tokens whose bcrypt hash is listed in auth.token_hashes.
//
// Chain tries several verifiers in order and accepts the first success.
//
// # HTTP
//
//	handler = auth.Middleware(verifier, logger)(handler)
//
// Requests without a valid "Authorization: Bearer <token>" header are rejected
// with 401 and {"error":"Unauthorized"}. Accepted requests carry the principal
// in their context; see FromContext.
package auth
