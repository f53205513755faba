// Package server implements the SSO server logic: credential login
// with step-up challenges, magic links, password resets, and the
// OAuth 2.1 authorization-code flow with PKCE and refresh token
// rotation. It coordinates the token, session, and storage layers;
// the HTTP surface lives in the root package.
package server
