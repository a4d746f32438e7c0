// Package ledger defines the vocabulary shared by paydist and ledger node
// gateways: entity identifiers, transactions, receipts, balances, status
// codes and signing keys.
package ledger

import (
	"cmp"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var entityPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ErrInvalidEntityID reports text that is not a shard.realm.num identifier.
var ErrInvalidEntityID = errors.New("ledger: invalid entity id")

// EntityID addresses an account, token or schedule as shard.realm.num.
type EntityID struct {
	Shard uint64
	Realm uint64
	Num   uint64
}

// AccountID identifies a ledger account.
type AccountID = EntityID

// TokenID identifies a fungible token.
type TokenID = EntityID

// ScheduleID identifies a scheduled transaction.
type ScheduleID = EntityID

// ParseEntityID parses strict shard.realm.num notation.
func ParseEntityID(s string) (EntityID, error) {
	if !entityPattern.MatchString(s) {
		return EntityID{}, fmt.Errorf("%w: %q", ErrInvalidEntityID, s)
	}
	parts := strings.SplitN(s, ".", 3)
	var out [3]uint64
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return EntityID{}, fmt.Errorf("%w: %q", ErrInvalidEntityID, s)
		}
		out[i] = v
	}
	return EntityID{Shard: out[0], Realm: out[1], Num: out[2]}, nil
}

// MustParseEntityID parses s and panics on error.
func MustParseEntityID(s string) EntityID {
	id, err := ParseEntityID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether id is the unset 0.0.0 identifier.
func (id EntityID) IsZero() bool {
	return id == EntityID{}
}

func (id EntityID) String() string {
	return strconv.FormatUint(id.Shard, 10) + "." + strconv.FormatUint(id.Realm, 10) + "." + strconv.FormatUint(id.Num, 10)
}

// Compare orders identifiers by shard, then realm, then num.
func (id EntityID) Compare(other EntityID) int {
	if c := cmp.Compare(id.Shard, other.Shard); c != 0 {
		return c
	}
	if c := cmp.Compare(id.Realm, other.Realm); c != 0 {
		return c
	}
	return cmp.Compare(id.Num, other.Num)
}

// MarshalText implements encoding.TextMarshaler.
func (id EntityID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EntityID) UnmarshalText(text []byte) error {
	parsed, err := ParseEntityID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
