package model

import "encoding/json"

// Centroid is the arithmetic-mean coordinate of a group of records.
type Centroid struct {
	Lat float64
	Lon float64
}

// CentroidTable maps a lookup key (ZIP, ZIP prefix, "city|state", or
// bare city) to its centroid. The table is rebuilt from scratch on each
// ingest run and read-only afterward.
type CentroidTable map[string]Centroid

// MarshalJSON serializes the table as key -> [lat, lon]. encoding/json
// sorts map keys, so two tables with equal content produce identical
// bytes regardless of insertion order.
func (t CentroidTable) MarshalJSON() ([]byte, error) {
	out := make(map[string][2]float64, len(t))
	for k, c := range t {
		out[k] = [2]float64{c.Lat, c.Lon}
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the key -> [lat, lon] form.
func (t *CentroidTable) UnmarshalJSON(data []byte) error {
	var raw map[string][2]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(CentroidTable, len(raw))
	for k, v := range raw {
		out[k] = Centroid{Lat: v[0], Lon: v[1]}
	}
	*t = out
	return nil
}
