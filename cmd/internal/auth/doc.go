// Package auth resolves the caller's identity from a bearer token.
//
// Access tokens are HS256 JWTs whose "sub" claim is the user id. Issuing
// tokens is limited to the operator CLI and tests; login flows live outside
// this service.
package auth
