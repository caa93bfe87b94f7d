package ble

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Characteristics holds the resolved Kidoo characteristic handles.
type Characteristics struct {
	Write  Characteristic // commands
	Notify Characteristic // responses
}

// NormalizeUUID returns a canonical comparison key for a GATT UUID: lower
// case hex without separators. Stacks disagree on case and on dashes, and
// some wrap UUIDs in braces or a urn prefix.
func NormalizeUUID(s string) string {
	s = strings.TrimSpace(s)
	if u, err := uuid.Parse(s); err == nil {
		return strings.ReplaceAll(u.String(), "-", "")
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ':', '{', '}', ' ':
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

// SameUUID reports whether a and b name the same UUID.
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// Resolve discovers the Kidoo service on conn and returns its command and
// response characteristics. A missing service or characteristic yields a
// *NotFoundError; discovery failures are returned wrapped.
func Resolve(conn Connection) (*Characteristics, error) {
	services, err := conn.DiscoverServices()
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	var svc Service
	for _, s := range services {
		if SameUUID(s.UUID(), ServiceUUID) {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, &NotFoundError{What: MissingService, UUID: ServiceUUID}
	}

	chars, err := svc.DiscoverCharacteristics()
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}

	out := &Characteristics{
		Write:  findCharacteristic(chars, CommandCharUUID),
		Notify: findCharacteristic(chars, ResponseCharUUID),
	}
	if out.Write == nil {
		return nil, &NotFoundError{What: MissingCharacteristic, UUID: CommandCharUUID}
	}
	if out.Notify == nil {
		return nil, &NotFoundError{What: MissingCharacteristic, UUID: ResponseCharUUID}
	}
	return out, nil
}

func findCharacteristic(chars []Characteristic, want string) Characteristic {
	for _, c := range chars {
		if SameUUID(c.UUID(), want) {
			return c
		}
	}
	return nil
}
