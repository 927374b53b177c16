package server

import (
	"strings"
	"testing"
)

func TestAtoRole(t *testing.T) {
	var table = []struct {
		input  string
		output Role
	}{
		{"MDOnly", RoleMDOnly},
		{"mdonly", RoleMDOnly},
		{"read", RoleRead},
		{"Read", RoleRead},
		{"Write", RoleWrite},
		{"write", RoleWrite},
		{"admin", RoleAdmin},
		{"Admin", RoleAdmin},
		{"other", RoleUnknown},
	}

	for _, row := range table {
		result := atoRole(row.input)
		if result != row.output {
			t.Errorf("For %v received %v, expected %v", row.input, result, row.output)
		}
	}
}

func TestListDecoder(t *testing.T) {
	const userlist = `
# sample user list
alice   admin   tok-alice
bob     write   tok-bob
carol   read    tok-carol

# next line has too few columns and is skipped
dave    mdonly
eve     badrole tok-eve
`
	d, err := NewListDecoder(strings.NewReader(userlist))
	if err != nil {
		t.Fatalf("NewListDecoder returned %s", err.Error())
	}

	var table = []struct {
		token string
		user  string
		role  Role
	}{
		{"tok-alice", "alice", RoleAdmin},
		{"tok-bob", "bob", RoleWrite},
		{"tok-carol", "carol", RoleRead},
		{"tok-eve", "eve", RoleUnknown},
		{"tok-dave", "", RoleUnknown},
		{"", "", RoleUnknown},
	}

	for _, row := range table {
		user, role, err := d.TokenDecode(row.token)
		if err != nil {
			t.Errorf("For %v received error %s", row.token, err.Error())
			continue
		}
		if user != row.user || role != row.role {
			t.Errorf("For %v received (%v, %v), expected (%v, %v)",
				row.token, user, role, row.user, row.role)
		}
	}
}
