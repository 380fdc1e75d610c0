// Package message loads the catalog of SMS message templates and selects
// the randomized, quota-padded subset a participant receives.
package message

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/ashstudy/MessageAutomation/internal/models"
)

// Catalog column names.
const (
	ColumnID        = "UO_ID"
	ColumnMessage   = "Message"
	ColumnCondition = "ConditionNo"
	ColumnValue     = "Value1"
)

var requiredColumns = []string{ColumnID, ColumnMessage, ColumnCondition}

// ErrMissingColumn is wrapped by MalformedCatalogError when a header column is absent.
var ErrMissingColumn = errors.New("missing required column")

// MalformedCatalogError reports a catalog that cannot be loaded.
// Line is 1-based and counts the header; it is 0 for header problems.
type MalformedCatalogError struct {
	Line   int
	Column string
	Value  string
	Err    error
}

func (e *MalformedCatalogError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("malformed message catalog: column %s: %v", e.Column, e.Err)
	}
	return fmt.Sprintf("malformed message catalog: line %d, column %s, value %q: %v", e.Line, e.Column, e.Value, e.Err)
}

func (e *MalformedCatalogError) Unwrap() error {
	return e.Err
}

// NoMessagesAvailableError reports a filter that matches no catalog entries.
type NoMessagesAvailableError struct {
	Condition models.Condition
	Values    []models.CodedValue
}

func (e *NoMessagesAvailableError) Error() string {
	if e.Condition == models.ConditionValues {
		return fmt.Sprintf("no messages available for condition %s with values %v", e.Condition, e.Values)
	}
	return fmt.Sprintf("no messages available for condition %s", e.Condition)
}

// Library is an immutable, in-memory message catalog.
type Library struct {
	templates []models.MessageTemplate
}

// NewLibrary builds a Library from already-parsed templates.
func NewLibrary(templates []models.MessageTemplate) *Library {
	return &Library{templates: slices.Clone(templates)}
}

// LoadFile opens and parses a catalog file.
func LoadFile(path string) (*Library, error) {
	f, err := os.Open(path)
	if err != nil {
		slog.Error("message.LoadFile: failed to open catalog", "error", err, "path", path)
		return nil, fmt.Errorf("failed to open message catalog %s: %w", path, err)
	}
	defer f.Close()

	lib, err := Load(f)
	if err != nil {
		slog.Error("message.LoadFile: failed to load catalog", "error", err, "path", path)
		return nil, err
	}
	slog.Debug("message.LoadFile: catalog loaded", "path", path, "templates", lib.Len())
	return lib, nil
}

// Load parses a CSV catalog. Any unparseable row fails the whole load.
func Load(r io.Reader) (*Library, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, &MalformedCatalogError{Column: ColumnID, Err: fmt.Errorf("failed to read header: %w", err)}
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, &MalformedCatalogError{Column: col, Err: ErrMissingColumn}
		}
	}
	valueCol, hasValueCol := index[ColumnValue]

	var templates []models.MessageTemplate
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &MalformedCatalogError{Line: line, Column: "*", Err: err}
		}

		field := func(col string) string {
			return strings.TrimSpace(record[index[col]])
		}

		raw := field(ColumnID)
		id, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &MalformedCatalogError{Line: line, Column: ColumnID, Value: raw, Err: err}
		}

		raw = field(ColumnCondition)
		condition, err := models.ParseConditionCode(raw)
		if err != nil {
			return nil, &MalformedCatalogError{Line: line, Column: ColumnCondition, Value: raw, Err: err}
		}

		value := models.ValueNone
		if condition == models.ConditionValues {
			raw = ""
			if hasValueCol {
				raw = strings.TrimSpace(record[valueCol])
			}
			value, err = models.ParseCodedValueName(raw)
			if err != nil {
				return nil, &MalformedCatalogError{Line: line, Column: ColumnValue, Value: raw, Err: err}
			}
		}

		templates = append(templates, models.MessageTemplate{
			ID:        id,
			Text:      record[index[ColumnMessage]],
			Condition: condition,
			Value:     value,
		})
	}

	return &Library{templates: templates}, nil
}

// Len returns the number of templates in the catalog.
func (l *Library) Len() int {
	return len(l.templates)
}

// Templates returns a copy of all templates in catalog order.
func (l *Library) Templates() []models.MessageTemplate {
	return slices.Clone(l.templates)
}

// Filter returns the templates eligible for a condition. For the values condition only
// templates tagged with one of the preferred values qualify.
func (l *Library) Filter(condition models.Condition, values []models.CodedValue) []models.MessageTemplate {
	var out []models.MessageTemplate
	for _, m := range l.templates {
		if m.Condition != condition {
			continue
		}
		if condition == models.ConditionValues && !slices.Contains(values, m.Value) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Select returns exactly count templates for the condition in random order.
//
// When fewer than count templates qualify, the shuffled list is concatenated with
// itself until it is long enough, so the order cycles instead of being reshuffled.
// Consumers that pair messages by position rely on that cycle.
func (l *Library) Select(rng *rand.Rand, condition models.Condition, values []models.CodedValue, count int) ([]models.MessageTemplate, error) {
	if count <= 0 {
		return []models.MessageTemplate{}, nil
	}

	messages := l.Filter(condition, values)
	if len(messages) == 0 {
		slog.Warn("Library.Select: no messages match filter", "condition", condition, "values", values)
		return nil, &NoMessagesAvailableError{Condition: condition, Values: slices.Clone(values)}
	}

	pool := len(messages)
	rng.Shuffle(len(messages), func(i, j int) {
		messages[i], messages[j] = messages[j], messages[i]
	})

	for len(messages) < count {
		messages = append(messages, messages...)
	}

	slog.Debug("Library.Select: messages selected", "condition", condition, "pool", pool, "count", count)
	return messages[:count:count], nil
}
