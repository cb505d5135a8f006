package models

import (
	"math"
	"strconv"
	"time"
)

// Value is a metadata value: either a finite number or a string. The store
// keeps the two representations in separate columns and the read path picks
// the non-null one.
type Value struct {
	Number *float64
	Text   *string
}

// Num returns a numeric Value.
func Num(f float64) Value {
	return Value{Number: &f}
}

// Str returns a string Value.
func Str(s string) Value {
	return Value{Text: &s}
}

// ParseValue classifies a raw string: if it parses in full as a finite real
// number it becomes numeric, otherwise it stays a string.
func ParseValue(raw string) Value {
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return Num(f)
	}
	return Str(raw)
}

// IsNumber reports whether the value carries a number.
func (v Value) IsNumber() bool {
	return v.Number != nil
}

// Float returns the numeric form, or 0 when the value is a string.
func (v Value) Float() float64 {
	if v.Number != nil {
		return *v.Number
	}
	return 0
}

// String renders the value for display and for expression environments.
func (v Value) String() string {
	if v.Number != nil {
		return strconv.FormatFloat(*v.Number, 'g', -1, 64)
	}
	if v.Text != nil {
		return *v.Text
	}
	return ""
}

// Native returns the value as an untyped scalar for expression evaluation.
func (v Value) Native() interface{} {
	if v.Number != nil {
		return *v.Number
	}
	if v.Text != nil {
		return *v.Text
	}
	return ""
}

// Metadata scope classes. Exactly one scope owns each metadata item.
const (
	ScopeTask    = "task"
	ScopeAttempt = "attempt"
	ScopeProduct = "product"
	ScopeVersion = "version"
)

// MetadataItem attaches a keyword/value pair to a task, attempt, product or
// version. Keywords are interned by the store.
type MetadataItem struct {
	ScopeClass string
	ScopeID    int64
	Keyword    string
	Value      Value
	SetTime    time.Time
}

// KeyTaskDescription is the reserved task metadata keyword holding the
// serialised description the worker evaluates and dispatches on.
const KeyTaskDescription = "task_description"
