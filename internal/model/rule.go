package model

import (
	"encoding/json"
	"time"
)

type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
	OpGT       Operator = "gt"
	OpLT       Operator = "lt"
)

type Condition struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

// UnmarshalJSON accepts "operator" as an alias for "op".
func (c *Condition) UnmarshalJSON(b []byte) error {
	var raw struct {
		Field    string   `json:"field"`
		Op       Operator `json:"op"`
		Operator Operator `json:"operator"`
		Value    any      `json:"value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	c.Field = raw.Field
	c.Op = raw.Op
	if c.Op == "" {
		c.Op = raw.Operator
	}
	c.Value = raw.Value
	return nil
}

type Rule struct {
	ID          int64       `json:"id"`
	TenantID    string      `json:"tenant_id,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Conditions  []Condition `json:"conditions"`
	Severity    Severity    `json:"severity"`
	Enabled     bool        `json:"enabled"`
	CreatedAt   time.Time   `json:"created_at"`
}
