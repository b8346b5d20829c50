// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package automation

import (
	"errors"
	"fmt"
)

// InvalidRuleError means the rule definition no longer fits the base: bad
// JSON, or a table, view, column or account that is gone. The rule is
// marked invalid with Reason and not run again.
type InvalidRuleError struct {
	RuleID int64
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("automation rule %d is invalid: %s", e.RuleID, e.Reason)
}

func invalid(ruleID int64, format string, args ...any) *InvalidRuleError {
	return &InvalidRuleError{RuleID: ruleID, Reason: fmt.Sprintf(format, args...)}
}

// IsInvalidRule reports whether err wraps an InvalidRuleError.
func IsInvalidRule(err error) bool {
	var ire *InvalidRuleError
	return errors.As(err, &ire)
}
