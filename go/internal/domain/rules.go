package domain

import (
	"errors"
	"fmt"
)

// BusinessRule is an invariant an operation must satisfy.
type BusinessRule interface {
	Name() string
	IsBroken() bool
	Message() string
}

// BusinessRuleError reports a broken rule. It is a domain outcome, not a
// fault, and is shown to callers as is.
type BusinessRuleError struct {
	Rule    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule %s broken: %s", e.Rule, e.Message)
}

// CheckRule returns a *BusinessRuleError when rule is broken.
func CheckRule(rule BusinessRule) error {
	if rule.IsBroken() {
		return &BusinessRuleError{Rule: rule.Name(), Message: rule.Message()}
	}
	return nil
}

// CheckRules stops at the first broken rule.
func CheckRules(rules ...BusinessRule) error {
	for _, r := range rules {
		if err := CheckRule(r); err != nil {
			return err
		}
	}
	return nil
}

func AsBusinessRuleError(err error) (*BusinessRuleError, bool) {
	var bre *BusinessRuleError
	ok := errors.As(err, &bre)
	return bre, ok
}

// ErrNotFound is wrapped by repositories when a lookup matches nothing.
var ErrNotFound = errors.New("not found")
