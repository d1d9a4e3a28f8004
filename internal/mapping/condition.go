package mapping

import (
	"fmt"
	"strings"
)

// ConditionKind is the closed set of predicates a mapping can test.
type ConditionKind int

const (
	CondGiftName ConditionKind = iota + 1
	CondGiftValueMin
	CondChatContains
	CondChatRegex
	CondTierMin
	CondAllowUsers
	CondDenyUsers
)

var conditionNames = map[ConditionKind]string{
	CondGiftName:     "gift_name",
	CondGiftValueMin: "gift_value_min",
	CondChatContains: "chat_contains",
	CondChatRegex:    "chat_regex",
	CondTierMin:      "tier_min",
	CondAllowUsers:   "allow_users",
	CondDenyUsers:    "deny_users",
}

func (k ConditionKind) String() string {
	if s, ok := conditionNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ConditionKind(%d)", int(k))
}

// ParseConditionKind parses the snake_case name of a condition kind.
func ParseConditionKind(s string) (ConditionKind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for k, name := range conditionNames {
		if name == want {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown condition kind %q", s)
}

func (k ConditionKind) MarshalText() ([]byte, error) {
	if _, ok := conditionNames[k]; !ok {
		return nil, fmt.Errorf("invalid condition kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *ConditionKind) UnmarshalText(b []byte) error {
	parsed, err := ParseConditionKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Condition is one predicate over an event. Which field is read depends on
// Kind:
//
//	gift_name       Text  (case-insensitive equality)
//	gift_value_min  Min   (gift value >= Min)
//	chat_contains   Text  (case-insensitive substring)
//	chat_regex      Text  (RE2 pattern)
//	tier_min        Min   (tier >= Min)
//	allow_users     Users (user id OR display name listed)
//	deny_users      Users (user id or display name listed blocks)
type Condition struct {
	Kind  ConditionKind `json:"kind" yaml:"kind"`
	Text  string        `json:"text,omitempty" yaml:"text,omitempty"`
	Min   int           `json:"min,omitempty" yaml:"min,omitempty"`
	Users []string      `json:"users,omitempty" yaml:"users,omitempty"`
}
