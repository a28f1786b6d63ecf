package models

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrBadWhom marks an unparseable conversation key.
var ErrBadWhom = errors.New("invalid conversation key")

// WhomKind separates group chat channels from direct messages.
type WhomKind int

const (
	WhomChat WhomKind = iota
	WhomDM
)

func (k WhomKind) String() string {
	if k == WhomDM {
		return "dm"
	}
	return "chat"
}

// Whom addresses one conversation: "~ship/name" for a channel hosted by
// ~ship, or "~ship" for direct messages with that peer.
type Whom struct {
	Kind WhomKind
	Ship string
	Name string
}

// ParseWhom parses a conversation key.
func ParseWhom(s string) (Whom, error) {
	s = strings.TrimSpace(s)
	ship, name, hasName := strings.Cut(s, "/")
	if !validShip(ship) {
		return Whom{}, errors.Mark(errors.Newf("bad ship in %q", s), ErrBadWhom)
	}
	if !hasName {
		return Whom{Kind: WhomDM, Ship: ship}, nil
	}
	if !validName(name) {
		return Whom{}, errors.Mark(errors.Newf("bad channel name in %q", s), ErrBadWhom)
	}
	return Whom{Kind: WhomChat, Ship: ship, Name: name}, nil
}

// MustParseWhom is ParseWhom that panics on error.
func MustParseWhom(s string) Whom {
	w, err := ParseWhom(s)
	if err != nil {
		panic(err)
	}
	return w
}

func (w Whom) IsDM() bool { return w.Kind == WhomDM }

func (w Whom) String() string {
	if w.Kind == WhomDM {
		return w.Ship
	}
	return w.Ship + "/" + w.Name
}

// MarshalText implements encoding.TextMarshaler.
func (w Whom) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (w *Whom) UnmarshalText(b []byte) error {
	parsed, err := ParseWhom(string(b))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

func validShip(s string) bool {
	if len(s) < 2 || s[0] != '~' {
		return false
	}
	for _, r := range s[1:] {
		if (r < 'a' || r > 'z') && r != '-' {
			return false
		}
	}
	return true
}
