// Copyright 2025 Archiver Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model holds the dynamic, dict-shaped row representation shared by
// every component that reads or writes source rows: the source store
// adapter, the codec, and the restore engine.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindInt64
	KindFloat64
	KindBool
	KindText
	KindBytes
	KindTimestamp
	KindDecimal
	KindJSON
)

// Value is a tagged union over the column types the source store can
// produce. Numeric columns that need arbitrary precision (NUMERIC/DECIMAL)
// are carried as KindDecimal, a string, never as float64, so that
// serialization never loses precision.
type Value struct {
	Kind      Kind
	Int64     int64
	Float64   float64
	Bool      bool
	Text      string
	Bytes     []byte
	Timestamp time.Time
	Decimal   string
	JSON      any
}

func Null() Value                    { return Value{Kind: KindNull} }
func Int64Value(v int64) Value       { return Value{Kind: KindInt64, Int64: v} }
func Float64Value(v float64) Value   { return Value{Kind: KindFloat64, Float64: v} }
func BoolValue(v bool) Value         { return Value{Kind: KindBool, Bool: v} }
func TextValue(v string) Value       { return Value{Kind: KindText, Text: v} }
func BytesValue(v []byte) Value      { return Value{Kind: KindBytes, Bytes: v} }
func TimestampValue(v time.Time) Value {
	return Value{Kind: KindTimestamp, Timestamp: v.UTC()}
}
func DecimalValue(v string) Value { return Value{Kind: KindDecimal, Decimal: v} }
func JSONValue(v any) Value       { return Value{Kind: KindJSON, JSON: v} }

// IsNull reports whether the value is the SQL NULL variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// MarshalJSON renders the value the way the codec requires: timestamps as
// RFC 3339 UTC, decimals and arbitrary-precision numerics as JSON strings
// (never as JSON numbers, to avoid float round-trip loss), everything else
// using its natural JSON shape.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindInt64:
		return json.Marshal(v.Int64)
	case KindFloat64:
		return json.Marshal(v.Float64)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindText:
		return json.Marshal(v.Text)
	case KindBytes:
		return json.Marshal(v.Bytes) // base64 string, stdlib default
	case KindTimestamp:
		return json.Marshal(v.Timestamp.Format(time.RFC3339Nano))
	case KindDecimal:
		return json.Marshal(v.Decimal)
	case KindJSON:
		return json.Marshal(v.JSON)
	default:
		return nil, fmt.Errorf("model: unknown value kind %d", v.Kind)
	}
}

// UnmarshalJSON restores a Value from its generic JSON form via FromAny.
// Since JSON itself is untyped, the result carries no column type
// information; this is used when re-reading a JSONL line.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// FromAny wraps a generic decoded JSON value (string/float64/bool/nil/map/
// slice, as produced by encoding/json) into a Value. Numbers become
// KindFloat64; nothing here re-types them against a schema column.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case string:
		return TextValue(t)
	case bool:
		return BoolValue(t)
	case float64:
		return Float64Value(t)
	default:
		return JSONValue(t)
	}
}

// Native returns the value unwrapped to a plain Go type suitable for use as
// a driver argument (e.g. a primary key value passed back into a WHERE
// clause): int64, float64, bool, string, []byte, time.Time, or nil.
// KindDecimal is returned as its string form, since pgx binds NUMERIC
// parameters as text.
func (v Value) Native() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInt64:
		return v.Int64
	case KindFloat64:
		return v.Float64
	case KindBool:
		return v.Bool
	case KindText:
		return v.Text
	case KindBytes:
		return v.Bytes
	case KindTimestamp:
		return v.Timestamp
	case KindDecimal:
		return v.Decimal
	case KindJSON:
		return v.JSON
	default:
		return nil
	}
}

// NativeOrNil is an alias for Native kept distinct for call sites (primary
// key extraction) where the nil case is significant to the reader.
func (v Value) NativeOrNil() any { return v.Native() }

// Row is an ordered-by-caller, dict-shaped source row. Column order is not
// significant to Row itself; callers that need deterministic JSONL output
// sort keys explicitly (see codec.Serialize).
type Row map[string]Value

// Clone returns a shallow copy of the row, safe for independent mutation of
// the map (not of any []byte/any payloads held inside Values).
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
