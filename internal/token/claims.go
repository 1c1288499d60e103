package token

import "github.com/golang-jwt/jwt/v5"

// Kind distinguishes the three token types. Each kind is signed with its
// own secret and carries its own TTL.
type Kind string

const (
	KindTemporary Kind = "temporary"
	KindAccess    Kind = "access"
	KindRefresh   Kind = "refresh"
)

// Kinds lists every token kind.
var Kinds = []Kind{KindTemporary, KindAccess, KindRefresh}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTemporary, KindAccess, KindRefresh:
		return true
	}
	return false
}

// Subject is the identity a token is minted for.
type Subject struct {
	Email   string
	IsAdmin bool
}

// Claims is the signed payload. The subject (email) is the registered
// "sub" claim.
type Claims struct {
	IsAdmin bool `json:"isAdmin"`
	Kind    Kind `json:"type"`
	jwt.RegisteredClaims
}

// Email returns the subject email.
func (c *Claims) Email() string { return c.Subject }
