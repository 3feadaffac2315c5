// Package request tracks asynchronous engine events that arrived while no
// client callback was registered.
package request

import "strings"

// Kind identifies an event, and doubles as the tag of Update messages.
type Kind uint32

const (
	Provision Kind = 1 << iota
	KeyNeeded
	Renewal
	KeyReady
	Filters
	EMMDelivery
	ECMDelivery
	PlatformDelivery
)

var kindNames = map[Kind]string{
	Provision:        "PROVISION",
	KeyNeeded:        "KEYNEEDED",
	Renewal:          "RENEWAL",
	KeyReady:         "KEYREADY",
	Filters:          "FILTERS",
	EMMDelivery:      "EMMDELIVERY",
	ECMDelivery:      "ECMDELIVERY",
	PlatformDelivery: "PLATFORMDELIVERY",
}

// String returns the reason string handed to OnKeyMessage.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// Valid reports whether k is exactly one known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind maps a reason string back to its kind.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, true
		}
	}
	return 0, false
}

// FlushOrder is the order in which pending events are delivered once a
// callback is registered. Nothing can be serviced before provisioning
// completes, so it always comes first.
var FlushOrder = []Kind{Provision, Filters, KeyNeeded, Renewal, KeyReady}

// Set is a bitmask of pending kinds. The zero value is empty. Set is not
// safe for concurrent use; owners guard it with their own lock.
type Set uint32

func (s *Set) MarkReceived(k Kind) {
	*s |= Set(k)
}

func (s *Set) MarkHandled(k Kind) {
	*s &^= Set(k)
}

func (s Set) WasReceived(k Kind) bool {
	return k != 0 && s&Set(k) == Set(k)
}

func (s Set) Empty() bool {
	return s == 0
}

// Pending lists the received kinds that take part in FlushOrder, in that
// order.
func (s Set) Pending() []Kind {
	var kinds []Kind
	for _, k := range FlushOrder {
		if s.WasReceived(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (s Set) String() string {
	var names []string
	for k := Provision; k <= PlatformDelivery; k <<= 1 {
		if s.WasReceived(k) {
			names = append(names, k.String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}
