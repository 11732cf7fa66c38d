// Package roomid implements the human-shareable room identifier codec.
//
// A room identifier is three tokens rendered as "adjective-noun-NN": an
// adjective and a noun drawn from curated lists plus a two-digit serial.
// Identifiers are shared out-of-band (spoken, typed, or embedded in a
// humr:// URI or QR code) and resolved to reachable endpoints by the
// discovery engine.
//
// Example:
//
//	id, err := roomid.Generate()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(id.String()) // "sunset-dragon-42"
//	fmt.Println(id.URI())    // "humr://sunset-dragon-42"
package roomid

import (
	"errors"
	"fmt"
	"strings"
)

// Scheme is the URI scheme for room identifiers.
const Scheme = "humr"

// ErrMalformed indicates input that does not match the three-token grammar.
var ErrMalformed = errors.New("malformed room identifier")

// RoomID is an immutable three-token room identifier. The zero value is not
// a valid identifier; use Generate or Parse.
type RoomID struct {
	Adjective string
	Noun      string
	Serial    uint8 // 0..99
}

// String renders the identifier in its canonical wire form
// "adjective-noun-NN" with a zero-padded two-digit serial.
func (id RoomID) String() string {
	return fmt.Sprintf("%s-%s-%02d", id.Adjective, id.Noun, id.Serial)
}

// URI renders the identifier as a shareable URI suitable for QR encoding.
func (id RoomID) URI() string {
	return fmt.Sprintf("%s://%s", Scheme, id.String())
}

// Pronounceable renders the identifier for reading aloud, with spaces
// instead of hyphens and no serial padding.
func (id RoomID) Pronounceable() string {
	return fmt.Sprintf("%s %s %d", id.Adjective, id.Noun, id.Serial)
}

// Parse decodes a room identifier from either its bare form
// ("adjective-noun-NN") or its URI form ("humr://adjective-noun-NN").
// Matching is case-insensitive. Unknown tokens and malformed serials are
// rejected with an error wrapping ErrMalformed.
func Parse(s string) (RoomID, error) {
	text := strings.TrimSpace(strings.ToLower(s))
	if rest, ok := strings.CutPrefix(text, Scheme+"://"); ok {
		text = rest
	}

	parts := strings.Split(text, "-")
	if len(parts) != 3 {
		return RoomID{}, fmt.Errorf("%w: expected three tokens, got %d", ErrMalformed, len(parts))
	}

	adjective, noun, serialText := parts[0], parts[1], parts[2]

	if _, ok := adjectiveSet[adjective]; !ok {
		return RoomID{}, fmt.Errorf("%w: unknown adjective %q", ErrMalformed, adjective)
	}
	if _, ok := nounSet[noun]; !ok {
		return RoomID{}, fmt.Errorf("%w: unknown noun %q", ErrMalformed, noun)
	}

	serial, err := parseSerial(serialText)
	if err != nil {
		return RoomID{}, err
	}

	return RoomID{Adjective: adjective, Noun: noun, Serial: serial}, nil
}

// parseSerial decodes the two-digit serial token. Serials are exactly two
// ASCII digits; anything else fails the grammar.
func parseSerial(s string) (uint8, error) {
	if len(s) != 2 {
		return 0, fmt.Errorf("%w: serial must be two digits, got %q", ErrMalformed, s)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: serial must be two digits, got %q", ErrMalformed, s)
		}
	}
	return uint8((s[0]-'0')*10 + (s[1] - '0')), nil
}
