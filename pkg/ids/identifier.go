package ids

import (
	"errors"
	"strings"
)

// Kind distinguishes what an identifier points at. Group-like kinds share
// one symmetric key among members; user-like kinds are addressed directly.
type Kind uint8

const (
	KindUser     Kind = 0x00
	KindStation  Kind = 0x08
	KindGroup    Kind = 0x10
	KindBot      Kind = 0x48
	KindProvider Kind = 0x76 // service provider, addressed as a group
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidKind       = errors.New("invalid identifier kind")
)

// Identifier is an immutable, typed entity reference with value equality.
// String form is "name@address" with an optional "/terminal" suffix naming
// a specific device of the entity.
type Identifier struct {
	Kind     Kind
	Name     string
	Address  string
	Terminal string
}

const (
	// Broadcast address sentinels. Identifiers carrying one of these are
	// never encrypted for.
	AddressAnywhere   = "anywhere"
	AddressEverywhere = "everywhere"
)

// Anyone is the broadcast user identifier ("any user").
var Anyone = Identifier{Kind: KindUser, Name: "anyone", Address: AddressAnywhere}

// Everyone is the broadcast group identifier ("every member").
var Everyone = Identifier{Kind: KindGroup, Name: "everyone", Address: AddressEverywhere}

func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindStation, KindGroup, KindBot, KindProvider:
		return true
	default:
		return false
	}
}

// IsGroup reports whether the kind is addressed as a group (shared key scope).
func (k Kind) IsGroup() bool {
	return k == KindGroup || k == KindProvider
}

func (k Kind) IsUser() bool {
	return k == KindUser || k == KindStation || k == KindBot
}

func (id Identifier) IsZero() bool {
	return id.Address == ""
}

func (id Identifier) IsGroup() bool {
	return id.Kind.IsGroup()
}

func (id Identifier) IsUser() bool {
	return id.Kind.IsUser()
}

// IsBroadcast reports whether the identifier is a broadcast sentinel.
func (id Identifier) IsBroadcast() bool {
	return id.Address == AddressAnywhere || id.Address == AddressEverywhere
}

func (id Identifier) String() string {
	var b strings.Builder
	if id.Name != "" {
		b.WriteString(id.Name)
		b.WriteByte('@')
	}
	b.WriteString(id.Address)
	if id.Terminal != "" {
		b.WriteByte('/')
		b.WriteString(id.Terminal)
	}
	return b.String()
}

// Equal compares identifiers by value, ignoring the terminal suffix: two
// devices of the same entity are the same identity.
func (id Identifier) Equal(other Identifier) bool {
	return id.Name == other.Name && id.Address == other.Address
}

// Parse decodes "name@address/terminal". The name and terminal parts are
// optional. The kind is recovered from the address payload, or from the
// broadcast sentinel names.
func Parse(raw string) (Identifier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identifier{}, ErrInvalidIdentifier
	}
	var id Identifier
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		id.Name = raw[:at]
		raw = raw[at+1:]
	}
	if slash := strings.IndexByte(raw, '/'); slash >= 0 {
		id.Terminal = raw[slash+1:]
		raw = raw[:slash]
	}
	id.Address = raw
	switch id.Address {
	case "":
		return Identifier{}, ErrInvalidIdentifier
	case AddressAnywhere:
		id.Kind = KindUser
		return id, nil
	case AddressEverywhere:
		id.Kind = KindGroup
		return id, nil
	}
	kind, err := AddressKind(id.Address)
	if err != nil {
		return Identifier{}, err
	}
	id.Kind = kind
	return id, nil
}

// MustParse is Parse for static identifiers in tests and fixtures.
func MustParse(raw string) Identifier {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}
