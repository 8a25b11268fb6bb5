// Package identity exposes the two-phase
// authorization state of an FTP session
package identity

// Identity tracks the USER and PASS phases separately. A session is
// authenticated once both phases are authorized; an empty configured
// user or password auto-authorizes the matching phase.
type Identity interface {
	Username() string
	SetUsername(username string)

	AuthorizedUser() bool
	SetAuthorizedUser(ok bool)

	AuthorizedPass() bool
	SetAuthorizedPass(ok bool)

	Authenticated() bool
}
