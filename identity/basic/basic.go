// Package basicidentity implements
// the identity.Identity interface with
// plain in-memory state.
package basicidentity

import (
	"fmt"

	"github.com/R-YaTian/ftpd/identity"
)

type basicIdentity struct {
	username       string
	authorizedUser bool
	authorizedPass bool
}

// New creates a new identity.Identity
// in the basicidentity package
func New(username string, authorizedUser, authorizedPass bool) identity.Identity {
	return &basicIdentity{
		username:       username,
		authorizedUser: authorizedUser,
		authorizedPass: authorizedPass,
	}
}

func (bid *basicIdentity) Username() string {
	return bid.username
}

func (bid *basicIdentity) SetUsername(username string) {
	bid.username = username
}

func (bid *basicIdentity) AuthorizedUser() bool {
	return bid.authorizedUser
}

func (bid *basicIdentity) SetAuthorizedUser(ok bool) {
	bid.authorizedUser = ok
}

func (bid *basicIdentity) AuthorizedPass() bool {
	return bid.authorizedPass
}

func (bid *basicIdentity) SetAuthorizedPass(ok bool) {
	bid.authorizedPass = ok
}

func (bid *basicIdentity) Authenticated() bool {
	return bid.authorizedUser && bid.authorizedPass
}

func (bid *basicIdentity) String() string {
	if bid.Authenticated() {
		return fmt.Sprintf("{%s}", bid.username)
	}
	return fmt.Sprintf("{**NOTAUTH** %s}", bid.username)
}
