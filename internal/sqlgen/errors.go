// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package sqlgen

import (
	"errors"
	"fmt"
)

// ErrInvalidTerm is wrapped when a filter term cannot be interpreted for its
// column, e.g. a non-numeric term on a number column.
var ErrInvalidTerm = errors.New("invalid filter term")

// ColumnNotFoundError reports a filter, sort or group on a column the table
// does not have.
type ColumnNotFoundError struct {
	Key  string
	Name string
}

func (e *ColumnNotFoundError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("column not found: key %q", e.Key)
	}
	return fmt.Sprintf("column not found: name %q", e.Name)
}

// PredicateNotSupportedError reports a predicate the column type cannot use.
type PredicateNotSupportedError struct {
	Column    string
	Type      ColumnType
	Predicate Predicate
}

func (e *PredicateNotSupportedError) Error() string {
	return fmt.Sprintf("predicate %q is not supported for column %q of type %s", e.Predicate, e.Column, e.Type)
}

func invalidTerm(column string, term any) error {
	return fmt.Errorf("%w %v for column %q", ErrInvalidTerm, term, column)
}
