package auth

import "fmt"

// ForbiddenError indicates the caller's role may not perform the operation.
// The server maps it to a 403 with the role in the details.
type ForbiddenError struct {
	Role      string
	Operation string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s cannot perform %s", e.Role, e.Operation)
}

// RequireRole returns a ForbiddenError unless the caller's role is one of the
// allowed roles.
func RequireRole(role, operation string, allowed ...string) error {
	for _, a := range allowed {
		if role == a {
			return nil
		}
	}
	return ForbiddenError{Role: role, Operation: operation}
}
