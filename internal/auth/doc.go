// Package auth guards the local agentlink API.
//
// The API listens on loopback by default and is open. Setting
// server.api_secret turns on bearer-token checks for every /api route:
// tokens are HS256 JWTs with the agentlink issuer, a subject naming the
// operator, and a mandatory expiry.
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Server.APISecret))
//	token, err := verifier.Generate("ops@example.com", 30*24*time.Hour)
//	r.Use(auth.RequireToken(verifier))
//
// Event streams may pass the token as ?access_token= instead of a header.
//
// These tokens only protect the local API. The session token sent to the
// hosted provisioning backend is handled by package session.
package auth
