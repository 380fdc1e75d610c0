package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Condition is the experimental arm a participant is assigned to.
// The numeric values match the codes used in the message catalog and REDCap.
type Condition int

const (
	// ConditionDownregulation is the craving down-regulation arm.
	ConditionDownregulation Condition = 1
	// ConditionHighLevel is the high-level construal arm.
	ConditionHighLevel Condition = 2
	// ConditionValues is the values-based arm; its messages are filtered by coded value.
	ConditionValues Condition = 3
)

// Errors returned when parsing enum codes.
var (
	ErrUnknownCondition  = errors.New("unknown condition code")
	ErrUnknownCodedValue = errors.New("unknown coded value")
)

// conditionAbbreviations maps each condition to the short code used in event titles.
var conditionAbbreviations = map[Condition]string{
	ConditionDownregulation: "DR",
	ConditionHighLevel:      "HL",
	ConditionValues:         "VA",
}

// ParseConditionCode converts a numeric condition code ("1".."3") into a Condition.
func ParseConditionCode(code string) (Condition, error) {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCondition, code)
	}
	c := Condition(n)
	if !c.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCondition, code)
	}
	return c, nil
}

// Valid reports whether c is one of the defined conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionDownregulation, ConditionHighLevel, ConditionValues:
		return true
	default:
		return false
	}
}

// Abbreviation returns the short code for the condition, or "" for an invalid condition.
func (c Condition) Abbreviation() string {
	return conditionAbbreviations[c]
}

func (c Condition) String() string {
	switch c {
	case ConditionDownregulation:
		return "downregulation"
	case ConditionHighLevel:
		return "high-level"
	case ConditionValues:
		return "values"
	default:
		return fmt.Sprintf("Condition(%d)", int(c))
	}
}

// MarshalText encodes the condition by name.
func (c Condition) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCondition, int(c))
	}
	return []byte(c.String()), nil
}

// CodedValue is a personal-value tag used to filter values-based content.
type CodedValue int

const (
	ValueHumor         CodedValue = 1
	ValueRelationships CodedValue = 2
	ValueCreativity    CodedValue = 3
	ValueAchievement   CodedValue = 4
	ValueReligious     CodedValue = 5
	ValuePhysical      CodedValue = 6
	ValueAthletic      CodedValue = 7
	ValueNone          CodedValue = 8
)

var codedValueNames = map[CodedValue]string{
	ValueHumor:         "humor",
	ValueRelationships: "relationships",
	ValueCreativity:    "creativity",
	ValueAchievement:   "achievement",
	ValueReligious:     "religious",
	ValuePhysical:      "physical",
	ValueAthletic:      "athletic",
	ValueNone:          "none",
}

// ParseCodedValueName converts a catalog value name (e.g. "humor") into a CodedValue.
func ParseCodedValueName(name string) (CodedValue, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for v, n := range codedValueNames {
		if n == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodedValue, name)
}

// ParseCodedValueCode converts a numeric value code ("1".."8") into a CodedValue.
func ParseCodedValueCode(code string) (CodedValue, error) {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodedValue, code)
	}
	v := CodedValue(n)
	if !v.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodedValue, code)
	}
	return v, nil
}

// Valid reports whether v is one of the defined coded values.
func (v CodedValue) Valid() bool {
	_, ok := codedValueNames[v]
	return ok
}

func (v CodedValue) String() string {
	if n, ok := codedValueNames[v]; ok {
		return n
	}
	return fmt.Sprintf("CodedValue(%d)", int(v))
}

// MarshalText encodes the value by name.
func (v CodedValue) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodedValue, int(v))
	}
	return []byte(v.String()), nil
}
