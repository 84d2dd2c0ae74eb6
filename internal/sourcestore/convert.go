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

package sourcestore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/model"
)

// toValue converts a value returned by pgx's generic Rows.Values() into the
// archiver's tagged-union Value, preserving NUMERIC precision by routing it
// through pgtype.Numeric's decimal string form rather than float64.
func toValue(raw any) model.Value {
	switch t := raw.(type) {
	case nil:
		return model.Null()
	case int16:
		return model.Int64Value(int64(t))
	case int32:
		return model.Int64Value(int64(t))
	case int64:
		return model.Int64Value(t)
	case float32:
		return model.Float64Value(float64(t))
	case float64:
		return model.Float64Value(t)
	case bool:
		return model.BoolValue(t)
	case string:
		return model.TextValue(t)
	case []byte:
		return model.BytesValue(t)
	case time.Time:
		return model.TimestampValue(t)
	case pgtype.Numeric:
		return numericToValue(t)
	case *big.Rat:
		return model.DecimalValue(t.RatString())
	case [16]byte: // uuid.UUID's underlying array shape, surfaced untyped
		return model.BytesValue(t[:])
	default:
		return model.JSONValue(t)
	}
}

// numericToValue renders a pgtype.Numeric as a decimal string, never as a
// float64, so that archived NUMERIC/DECIMAL columns never lose precision.
func numericToValue(n pgtype.Numeric) model.Value {
	if !n.Valid {
		return model.Null()
	}
	if n.NaN {
		return model.DecimalValue("NaN")
	}
	text, err := n.Value()
	if err != nil || text == nil {
		return model.Null()
	}
	return model.DecimalValue(fmt.Sprint(text))
}

// classifyPG maps a pgx/libpq error into the errtax taxonomy: connection and
// serialization failures are transient, constraint violations and syntax
// errors are fatal, context cancellation maps to ClassCancellation.
func classifyPG(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return errtax.New(errtax.ClassCancellation, fmt.Errorf("%s: %w", op, err))
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case isTransientSQLState(pgErr.Code):
			return errtax.New(errtax.ClassSourceTransient, fmt.Errorf("%s: %w", op, err), "sqlstate", pgErr.Code)
		default:
			return errtax.New(errtax.ClassSourceFatal, fmt.Errorf("%s: %w", op, err), "sqlstate", pgErr.Code)
		}
	}

	if pgconn.Timeout(err) {
		return errtax.New(errtax.ClassSourceTransient, fmt.Errorf("%s: %w", op, err))
	}

	return errtax.New(errtax.ClassSourceFatal, fmt.Errorf("%s: %w", op, err))
}

// isTransientSQLState reports whether a Postgres SQLSTATE code denotes a
// condition worth retrying: connection failures, deadlocks, serialization
// failures, and lock-not-available (from FOR UPDATE NOWAIT-style paths).
func isTransientSQLState(code string) bool {
	switch code {
	case "08000", "08003", "08006", "08001", "08004", "08007": // connection_exception family
		return true
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	case "55P03": // lock_not_available
		return true
	case "57014": // query_canceled
		return true
	case "53300", "53400": // too_many_connections, configuration_limit_exceeded
		return true
	default:
		return false
	}
}
