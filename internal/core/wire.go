package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnmarshalJSON accepts lines either as a plain array or as a storefront
// connection ({"nodes": [...]} or {"edges": [{"node": ...}]}), so a Hydrogen
// cart can be posted as returned by the storefront API. Fields the gateway
// does not model are ignored.
func (c *Cart) UnmarshalJSON(data []byte) error {
	type plain Cart
	var raw struct {
		plain
		Lines json.RawMessage `json:"lines"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	lines, err := decodeLines(raw.Lines)
	if err != nil {
		return err
	}
	*c = Cart(raw.plain)
	c.Lines = lines
	return nil
}

func decodeLines(data json.RawMessage) ([]Line, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		var lines []Line
		if err := json.Unmarshal(data, &lines); err != nil {
			return nil, err
		}
		return lines, nil
	}

	var conn struct {
		Nodes []Line `json:"nodes"`
		Edges []struct {
			Node Line `json:"node"`
		} `json:"edges"`
	}
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, fmt.Errorf("cart lines: %w", err)
	}
	if conn.Nodes != nil {
		return conn.Nodes, nil
	}
	lines := make([]Line, 0, len(conn.Edges))
	for _, e := range conn.Edges {
		lines = append(lines, e.Node)
	}
	return lines, nil
}

// UnmarshalJSON accepts the flat form and the storefront form, where the
// customer id is nested under "customer".
func (b *BuyerIdentity) UnmarshalJSON(data []byte) error {
	var raw struct {
		CustomerID  string `json:"customerId"`
		CountryCode string `json:"countryCode"`
		Customer    *struct {
			ID string `json:"id"`
		} `json:"customer"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.CustomerID = raw.CustomerID
	if b.CustomerID == "" && raw.Customer != nil {
		b.CustomerID = raw.Customer.ID
	}
	b.CountryCode = raw.CountryCode
	return nil
}

// Clone returns a copy whose line and attribute slices can be modified
// without affecting c.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	out := *c
	out.Lines = append([]Line(nil), c.Lines...)
	out.Attributes = append([]Attribute(nil), c.Attributes...)
	return &out
}
