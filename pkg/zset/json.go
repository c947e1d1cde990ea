package zset

import "encoding/json"

// MarshalJSON serializes the Z-set as its signed row list.
func (z *ZSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(z.Rows())
}

// UnmarshalJSON rebuilds the Z-set from a signed row list.
func (z *ZSet) UnmarshalJSON(data []byte) error {
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return newError("failed to parse Z-set rows", err)
	}
	z.rows = make(map[string]Row, len(rows))
	z.counts = make(map[string]int, len(rows))
	for _, row := range rows {
		if err := z.InsertRow(row); err != nil {
			return err
		}
	}
	return nil
}
