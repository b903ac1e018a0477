// Package session implements authd's session lifecycle.
//
// It verifies credentials, issues short-lived access tokens (PASETO v4.public
// or JWT), and manages opaque, single-use refresh tokens: creation on
// Register/Login, rotation on Refresh, revocation on Logout.
//
// Rotation safety lives in the store: revoking the presented token and
// inserting its successor is one write conditioned on revoked=false, so two
// concurrent refreshes of the same token yield exactly one successor even
// across processes. No in-process lock takes part in that guarantee.
//
// Transport (HTTP) integration lives in package api.
package session
