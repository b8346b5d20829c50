// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package sqlgen

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tomtom215/dtable-events/internal/models"
)

// errUnsupported is converted into a PredicateNotSupportedError by Fragment.
var errUnsupported = errors.New("unsupported predicate")

// Fragment renders one filter on one column. An empty result with a nil
// error means the filter has no term yet and imposes no condition.
func Fragment(column models.Column, f Filter, opts Options) (string, error) {
	p := Predicate(f.Predicate)
	sql, err := fragment(column, p, f, opts)
	if errors.Is(err, errUnsupported) {
		return "", &PredicateNotSupportedError{Column: column.Name, Type: ColumnType(column.Type), Predicate: p}
	}
	return sql, err
}

func fragment(column models.Column, p Predicate, f Filter, opts Options) (string, error) {
	col := QuoteIdent(column.Name)

	switch p {
	case PredIsEmpty:
		if !filterableType(ColumnType(column.Type)) {
			return "", errUnsupported
		}
		return col + " is null", nil
	case PredIsNotEmpty:
		if !filterableType(ColumnType(column.Type)) {
			return "", errUnsupported
		}
		return col + " is not null", nil
	}

	switch ColumnType(column.Type) {
	case TypeText, TypeLongText, TypeURL, TypeEmail, TypeAutoNumber, TypeGeolocation:
		return textFragment(col, p, f, opts)
	case TypeNumber, TypeDuration, TypeRate:
		return numberFragment(col, p, f)
	case TypeCheckbox:
		return checkboxFragment(col, p, f)
	case TypeDate, TypeCTime, TypeMTime:
		return dateFragment(col, p, f, opts.Now)
	case TypeSingleSelect:
		return singleSelectFragment(col, &column, p, f)
	case TypeMultipleSelect:
		return listFragment(col, p, optionNames(&column, termList(f.Term)), opts)
	case TypeCollaborator:
		return listFragment(col, p, termList(f.Term), opts)
	case TypeCreator, TypeLastModifier:
		return userFragment(col, p, f, opts)
	case TypeDepartmentSingleSelect:
		return departmentFragment(col, p, f)
	case TypeFormula, TypeLinkFormula:
		return formulaFragment(column, p, f, opts)
	case TypeLink:
		return arrayFragment(column, p, f, opts)
	case TypeFile, TypeImage:
		return "", errUnsupported
	}
	return "", errUnsupported
}

func filterableType(t ColumnType) bool {
	return t != TypeButton && t != TypeDigitalSign
}

func textFragment(col string, p Predicate, f Filter, opts Options) (string, error) {
	if p == PredIsCurrentUserID {
		id := opts.UserID
		if id == "" {
			id = opts.Username
		}
		return fmt.Sprintf("%s = %s", col, QuoteString(id)), nil
	}

	term := termString(f.Term)
	if term == "" {
		switch p {
		case PredContains, PredNotContain, PredIs, PredIsNot:
			return "", nil
		}
		return "", errUnsupported
	}

	switch p {
	case PredContains:
		return fmt.Sprintf("%s like %s", col, QuoteString("%"+term+"%")), nil
	case PredNotContain:
		return fmt.Sprintf("%s not like %s", col, QuoteString("%"+term+"%")), nil
	case PredIs:
		return fmt.Sprintf("%s = %s", col, QuoteString(term)), nil
	case PredIsNot:
		return fmt.Sprintf("%s <> %s", col, QuoteString(term)), nil
	}
	return "", errUnsupported
}

var numberOperators = map[Predicate]string{
	PredEqual:          "=",
	PredIs:             "=",
	PredNotEqual:       "<>",
	PredIsNot:          "<>",
	PredLess:           "<",
	PredGreater:        ">",
	PredLessOrEqual:    "<=",
	PredGreaterOrEqual: ">=",
}

func numberFragment(col string, p Predicate, f Filter) (string, error) {
	op, ok := numberOperators[p]
	if !ok {
		return "", errUnsupported
	}
	if termString(f.Term) == "" {
		return "", nil
	}
	n, ok := termNumber(f.Term)
	if !ok {
		return "", invalidTerm(col, f.Term)
	}
	return fmt.Sprintf("%s %s %s", col, op, n), nil
}

func checkboxFragment(col string, p Predicate, f Filter) (string, error) {
	if p != PredIs {
		return "", errUnsupported
	}
	if termBool(f.Term) {
		return col + " = true", nil
	}
	return fmt.Sprintf("(%s = false or %s is null)", col, col), nil
}

func optionNames(column *models.Column, ids []string) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := column.OptionName(id); ok {
			names = append(names, name)
			continue
		}
		names = append(names, id)
	}
	return names
}

func singleSelectFragment(col string, column *models.Column, p Predicate, f Filter) (string, error) {
	names := optionNames(column, termList(f.Term))
	switch p {
	case PredIs, PredIsNot:
		if len(names) == 0 {
			return "", nil
		}
		op := "="
		if p == PredIsNot {
			op = "<>"
		}
		return fmt.Sprintf("%s %s %s", col, op, QuoteString(names[0])), nil
	case PredIsAnyOf, PredIsNoneOf:
		if len(names) == 0 {
			return "", nil
		}
		op := "in"
		if p == PredIsNoneOf {
			op = "not in"
		}
		return fmt.Sprintf("%s %s %s", col, op, quoteList(names)), nil
	}
	return "", errUnsupported
}

// listFragment covers multi-valued columns. include_me adds the current user
// to the has_any_of set.
func listFragment(col string, p Predicate, values []string, opts Options) (string, error) {
	if p == PredIncludeMe {
		return fmt.Sprintf("%s in %s", col, quoteList([]string{opts.Username})), nil
	}

	var op string
	switch p {
	case PredHasAnyOf:
		op = "in"
	case PredHasAllOf:
		op = "has all of"
	case PredHasNoneOf:
		op = "has none of"
	case PredIsExactly:
		op = "is exactly"
	default:
		return "", errUnsupported
	}
	if len(values) == 0 {
		return "", nil
	}
	return fmt.Sprintf("%s %s %s", col, op, quoteList(values)), nil
}

func userFragment(col string, p Predicate, f Filter, opts Options) (string, error) {
	switch p {
	case PredIncludeMe, PredIsCurrentUserID:
		return fmt.Sprintf("%s = %s", col, QuoteString(opts.Username)), nil
	case PredContains:
		return textFragment(col, p, f, opts)
	}

	users := termList(f.Term)
	if len(users) == 0 {
		switch p {
		case PredIs, PredIsNot, PredIsAnyOf, PredIsNoneOf, PredHasAnyOf, PredHasNoneOf:
			return "", nil
		}
		return "", errUnsupported
	}
	switch p {
	case PredIs:
		return fmt.Sprintf("%s = %s", col, QuoteString(users[0])), nil
	case PredIsNot:
		return fmt.Sprintf("%s <> %s", col, QuoteString(users[0])), nil
	case PredIsAnyOf, PredHasAnyOf:
		return fmt.Sprintf("%s in %s", col, quoteList(users)), nil
	case PredIsNoneOf, PredHasNoneOf:
		return fmt.Sprintf("%s not in %s", col, quoteList(users)), nil
	}
	return "", errUnsupported
}

func departmentFragment(col string, p Predicate, f Filter) (string, error) {
	ids := termList(f.Term)
	if len(ids) == 0 {
		switch p {
		case PredIs, PredIsNot, PredIsAnyOf, PredIsNoneOf:
			return "", nil
		}
		return "", errUnsupported
	}
	literals := make([]string, len(ids))
	for i, id := range ids {
		if n, ok := termNumber(id); ok {
			literals[i] = n
		} else {
			literals[i] = QuoteString(id)
		}
	}
	switch p {
	case PredIs:
		return fmt.Sprintf("%s = %s", col, literals[0]), nil
	case PredIsNot:
		return fmt.Sprintf("%s <> %s", col, literals[0]), nil
	case PredIsAnyOf:
		return fmt.Sprintf("%s in (%s)", col, strings.Join(literals, ", ")), nil
	case PredIsNoneOf:
		return fmt.Sprintf("%s not in (%s)", col, strings.Join(literals, ", ")), nil
	}
	return "", errUnsupported
}

// formulaFragment delegates by the formula's result type.
func formulaFragment(column models.Column, p Predicate, f Filter, opts Options) (string, error) {
	col := QuoteIdent(column.Name)
	switch column.ResultType() {
	case ResultNumber:
		return numberFragment(col, p, f)
	case ResultString:
		return textFragment(col, p, f, opts)
	case ResultDate:
		return dateFragment(col, p, f, opts.Now)
	case ResultBool:
		return checkboxFragment(col, p, f)
	case ResultArray:
		return arrayFragment(column, p, f, opts)
	}
	return "", errUnsupported
}

// arrayFragment delegates link columns and array formulas to their element
// type. Select-like elements use the multi-valued operators.
func arrayFragment(column models.Column, p Predicate, f Filter, opts Options) (string, error) {
	elem := column.ArrayColumn()
	col := QuoteIdent(column.Name)
	switch ColumnType(elem.Type) {
	case TypeSingleSelect, TypeMultipleSelect:
		return listFragment(col, p, optionNames(&elem, termList(f.Term)), opts)
	case TypeCollaborator, TypeCreator, TypeLastModifier:
		return listFragment(col, p, termList(f.Term), opts)
	case "", TypeLink, TypeFormula, TypeLinkFormula, TypeButton, TypeDigitalSign:
		return "", errUnsupported
	}
	return fragment(elem, p, f, opts)
}
