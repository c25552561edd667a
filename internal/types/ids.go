// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type TurnID string
type LimitKey string

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// NewLimitKey joins parts into a rate-limit bucket key, e.g.
// NewLimitKey("telegram", "12345") -> "telegram:12345".
func NewLimitKey(parts ...string) LimitKey {
	return LimitKey(strings.Join(parts, ":"))
}
