package dbdef

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// UnmarshalJSON decodes a field list, distinguishing ids from properties by
// the presence of an "id" key.
func (fl *FieldList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(FieldList, 0, len(raw))
	for _, item := range raw {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(item, &probe); err != nil {
			return err
		}
		if _, isID := probe["id"]; isID {
			var id ID
			if err := json.Unmarshal(item, &id); err != nil {
				return err
			}
			out = append(out, id)
		} else {
			var p Property
			if err := json.Unmarshal(item, &p); err != nil {
				return err
			}
			out = append(out, p)
		}
	}
	*fl = out
	return nil
}

// EncodeSnapshot serializes the version snapshot as snappy-compressed JSON,
// suitable for durable audit storage alongside a version stamp.
func (v *Version) EncodeSnapshot() ([]byte, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dbdef: failed to marshal version snapshot: %w", err)
	}
	return snappy.Encode(nil, js), nil
}

// DecodeSnapshot restores a version snapshot written by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Version, error) {
	js, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("dbdef: failed to decompress version snapshot: %w", err)
	}
	var v Version
	if err := json.Unmarshal(js, &v); err != nil {
		return nil, fmt.Errorf("dbdef: failed to unmarshal version snapshot: %w", err)
	}
	return &v, nil
}
