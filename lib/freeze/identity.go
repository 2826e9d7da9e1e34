package freeze

import (
	"fmt"
	"github.com/ValentinKolb/freeze/lib/wire"
	"strings"
)

// --------------------------------------------------------------------------
// Identity
// --------------------------------------------------------------------------

// Identity addresses a servant within a facet. Identities are values and
// compare with ==.
type Identity struct {
	Name     string
	Category string
}

// IdentityCodec marshals identities as a struct of two strings (name, category)
var IdentityCodec = wire.RegisterCodec(wire.NewVariableStructCodec[Identity]("::Ice::Identity", 2,
	func(os *wire.OutputStream, id Identity) error {
		os.WriteString(id.Name)
		os.WriteString(id.Category)
		return nil
	},
	func(is *wire.InputStream) (Identity, error) {
		var id Identity
		var err error
		if id.Name, err = is.ReadString(); err != nil {
			return id, err
		}
		if id.Category, err = is.ReadString(); err != nil {
			return id, err
		}
		return id, nil
	},
))

// String renders the identity as "category/name", or "name" without category
func (id Identity) String() string {
	if id.Category == "" {
		return id.Name
	}
	return id.Category + "/" + id.Name
}

// ParseIdentity is the inverse of Identity.String. The first '/' separates the
// category from the name.
func ParseIdentity(s string) (Identity, error) {
	category, name, found := strings.Cut(s, "/")
	if !found {
		name, category = s, ""
	}
	if name == "" {
		return Identity{}, fmt.Errorf("invalid identity %q: empty name", s)
	}
	return Identity{Name: name, Category: category}, nil
}

// identityKey returns the key the identity is stored under
func identityKey(id Identity) []byte {
	os := wire.NewOutputStream(len(id.Name) + len(id.Category) + 2)
	_ = IdentityCodec.Write(os, id)
	return os.Bytes()
}

// identityFromKey decodes a key written by identityKey
func identityFromKey(key []byte) (Identity, error) {
	is := wire.NewInputStream(key)
	id, err := IdentityCodec.Read(is)
	if err != nil {
		return Identity{}, err
	}
	if is.Remaining() != 0 {
		return Identity{}, fmt.Errorf("invalid identity key: %d trailing bytes", is.Remaining())
	}
	return id, nil
}
