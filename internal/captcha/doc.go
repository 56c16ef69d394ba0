// Package captcha resolves the portal's visual challenge. The Resolver runs an
// iterative state machine that falls back from a remote solving service to a
// human operator as attempts run out; the Gate serializes resolution on the
// shared browser session and hands the cleared session's cookies to HTTP
// clients.
package captcha
