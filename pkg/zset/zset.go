package zset

import (
	"fmt"
	"strings"
)

// Row is a single signed change to a collection: a key, an arbitrary value,
// and a signed multiplicity. Sign +n inserts n copies, -n retracts n copies.
type Row struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Sign  int    `json:"sign"`
}

// ZSet is a keyed multiset with integer multiplicities. Rows with the same
// key and value accumulate by summing signs; entries whose multiplicity
// reaches zero are removed. Values are identified by their canonical JSON
// representation since arbitrary values aren't directly comparable.
type ZSet struct {
	rows   map[string]Row // identity key -> representative row (sign unused)
	counts map[string]int // identity key -> multiplicity
}

// Error type for better error handling.
type Error struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func newError(message string, cause error) error {
	return &Error{Message: message, Cause: cause}
}

// New creates an empty ZSet.
func New() *ZSet {
	return &ZSet{
		rows:   make(map[string]Row),
		counts: make(map[string]int),
	}
}

// InsertMutate adds (key, value) with the given multiplicity by modifying the
// ZSet in place. This is the core operation for building Z-sets.
func (z *ZSet) InsertMutate(key string, value any, mult int) error {
	if mult == 0 {
		return nil
	}

	id, err := identityKey(key, value)
	if err != nil {
		return err
	}

	if _, exists := z.counts[id]; exists {
		z.counts[id] += mult
	} else {
		z.rows[id] = Row{Key: key, Value: value}
		z.counts[id] = mult
	}

	if z.counts[id] == 0 {
		delete(z.counts, id)
		delete(z.rows, id)
	}

	return nil
}

// InsertRow adds a row with its own sign as multiplicity.
func (z *ZSet) InsertRow(row Row) error {
	return z.InsertMutate(row.Key, row.Value, row.Sign)
}

// Insert returns a new ZSet with (key, value, mult) added, leaving the
// receiver untouched.
func (z *ZSet) Insert(key string, value any, mult int) (*ZSet, error) {
	result := z.ShallowCopy()
	err := result.InsertMutate(key, value, mult)
	return result, err
}

// Add performs Z-set addition (union with multiplicity).
func (z *ZSet) Add(other *ZSet) (*ZSet, error) {
	if other == nil {
		return z.DeepCopy(), nil
	}

	result := z.DeepCopy()
	for id, count := range other.counts {
		row := other.rows[id]
		if err := result.InsertMutate(row.Key, row.Value, count); err != nil {
			return nil, newError("failed to add row during Z-set addition", err)
		}
	}

	return result, nil
}

// AddMutate adds the other Z-set into the receiver in place.
func (z *ZSet) AddMutate(other *ZSet) error {
	if other == nil {
		return nil
	}
	for id, count := range other.counts {
		row := other.rows[id]
		if err := z.InsertMutate(row.Key, row.Value, count); err != nil {
			return newError("failed to add row during Z-set addition", err)
		}
	}
	return nil
}

// Subtract performs Z-set subtraction.
func (z *ZSet) Subtract(other *ZSet) (*ZSet, error) {
	if other == nil {
		return z.DeepCopy(), nil
	}

	result := z.DeepCopy()
	for id, count := range other.counts {
		row := other.rows[id]
		if err := result.InsertMutate(row.Key, row.Value, -count); err != nil {
			return nil, newError("failed to subtract row during Z-set subtraction", err)
		}
	}

	return result, nil
}

// Negate returns the Z-set with all multiplicities negated.
func (z *ZSet) Negate() (*ZSet, error) {
	return New().Subtract(z)
}

// Distinct converts the Z-set to set semantics: every entry with positive
// multiplicity appears with multiplicity 1, negative entries are dropped.
func (z *ZSet) Distinct() (*ZSet, error) {
	result := New()
	for id, count := range z.counts {
		if count > 0 {
			row := z.rows[id]
			if err := result.InsertMutate(row.Key, row.Value, 1); err != nil {
				return nil, newError("failed to add row during 'distinct' operation", err)
			}
		}
	}
	return result, nil
}

// ShallowCopy creates a copy sharing value references with the receiver.
func (z *ZSet) ShallowCopy() *ZSet {
	result := &ZSet{
		rows:   make(map[string]Row, len(z.rows)),
		counts: make(map[string]int, len(z.counts)),
	}
	for id, row := range z.rows {
		result.rows[id] = row // shallow: same value reference
	}
	for id, count := range z.counts {
		result.counts[id] = count
	}
	return result
}

// DeepCopy creates a full copy, including values.
func (z *ZSet) DeepCopy() *ZSet {
	result := &ZSet{
		rows:   make(map[string]Row, len(z.rows)),
		counts: make(map[string]int, len(z.counts)),
	}
	for id, row := range z.rows {
		result.rows[id] = Row{Key: row.Key, Value: DeepCopyValue(row.Value)}
		result.counts[id] = z.counts[id]
	}
	return result
}

// Entry is a row together with its accumulated multiplicity.
type Entry struct {
	Key          string
	Value        any
	Multiplicity int
}

// Entries returns all entries with their multiplicities, including negative
// ones. Iteration order is unspecified.
func (z *ZSet) Entries() []Entry {
	result := make([]Entry, 0, len(z.counts))
	for id, mult := range z.counts {
		row := z.rows[id]
		result = append(result, Entry{
			Key:          row.Key,
			Value:        DeepCopyValue(row.Value),
			Multiplicity: mult,
		})
	}
	return result
}

// Rows returns the content as signed rows, one per distinct (key, value) with
// the accumulated multiplicity as sign.
func (z *ZSet) Rows() []Row {
	result := make([]Row, 0, len(z.counts))
	for id, mult := range z.counts {
		row := z.rows[id]
		result = append(result, Row{Key: row.Key, Value: DeepCopyValue(row.Value), Sign: mult})
	}
	return result
}

// IsZero checks if the Z-set is empty.
func (z *ZSet) IsZero() bool {
	return len(z.counts) == 0
}

// Size returns the number of rows counting only positive multiplicities.
func (z *ZSet) Size() int {
	total := 0
	for _, count := range z.counts {
		if count > 0 {
			total += count
		}
	}
	return total
}

// UniqueCount returns the number of distinct entries with positive multiplicity.
func (z *ZSet) UniqueCount() int {
	count := 0
	for _, mult := range z.counts {
		if mult > 0 {
			count++
		}
	}
	return count
}

// Multiplicity returns the accumulated multiplicity of (key, value).
func (z *ZSet) Multiplicity(key string, value any) (int, error) {
	id, err := identityKey(key, value)
	if err != nil {
		return 0, newError("failed to compute row identity", err)
	}
	if count, exists := z.counts[id]; exists {
		return count, nil
	}
	return 0, nil
}

// Contains checks whether (key, value) is present with positive multiplicity.
func (z *ZSet) Contains(key string, value any) (bool, error) {
	mult, err := z.Multiplicity(key, value)
	if err != nil {
		return false, err
	}
	return mult > 0, nil
}

// FromRows creates a Z-set from signed rows.
func FromRows(rows []Row) (*ZSet, error) {
	result := New()
	for i, row := range rows {
		if err := result.InsertRow(row); err != nil {
			return nil, newError(fmt.Sprintf("failed to add row at index %d", i), err)
		}
	}
	return result, nil
}

// String returns a string representation of the Z-set for debugging.
func (z *ZSet) String() string {
	if z.IsZero() && len(z.counts) == 0 {
		return "∅"
	}

	var b strings.Builder
	b.WriteString("{")
	first := true
	for id, count := range z.counts {
		if !first {
			b.WriteString(", ")
		}
		row := z.rows[id]
		fmt.Fprintf(&b, "%s=%v×%d", row.Key, row.Value, count)
		first = false
	}
	b.WriteString("}")
	return b.String()
}
