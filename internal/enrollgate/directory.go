package enrollgate

import (
	"context"
	"errors"
)

var (
	// ErrDirectoryNotFound reports that the directory has no record
	// for the identity. Deprovisioning treats it as success.
	ErrDirectoryNotFound = errors.New("directory user not found")
	// ErrDirectoryConflict reports that the directory already holds a
	// record for the identity; the create race's authoritative
	// tie-breaker.
	ErrDirectoryConflict = errors.New("directory user already exists")
)

// DirectoryUser is the directory's view of a provisioned account.
type DirectoryUser struct {
	PrimaryEmail  string `json:"primaryEmail"`
	GivenName     string `json:"givenName,omitempty"`
	FamilyName    string `json:"familyName,omitempty"`
	RecoveryEmail string `json:"recoveryEmail,omitempty"`
	OrgUnitPath   string `json:"orgUnitPath,omitempty"`
	Archived      bool   `json:"archived,omitempty"`
	Suspended     bool   `json:"suspended,omitempty"`
}

// NewDirectoryUser carries the attributes for an external create call.
type NewDirectoryUser struct {
	PrimaryEmail              string
	GivenName                 string
	FamilyName                string
	Password                  string
	RecoveryEmail             string
	OrgUnitPath               string
	Archived                  bool
	ChangePasswordAtNextLogin bool
}

// UserPage is one page of a directory listing.
type UserPage struct {
	Users         []DirectoryUser
	NextPageToken string
}

// DirectoryClient is the consumed external-directory capability. All
// calls carry a bounded timeout through ctx; the implementation owns
// token acquisition. GetUser and DeleteUser return
// ErrDirectoryNotFound for absent identities, CreateUser returns
// ErrDirectoryConflict when the identity already exists.
type DirectoryClient interface {
	GetUser(ctx context.Context, identity string) (*DirectoryUser, error)
	CreateUser(ctx context.Context, user NewDirectoryUser) (*DirectoryUser, error)
	DeleteUser(ctx context.Context, identity string) error
	ListAliases(ctx context.Context, identity string) ([]string, error)
	AddAlias(ctx context.Context, identity, alias string) error
	DeleteAlias(ctx context.Context, identity, alias string) error
	ListUsers(ctx context.Context, domain, pageToken string, maxResults int) (UserPage, error)
}
