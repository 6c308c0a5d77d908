package dbdriver

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	databasePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_$\-]{0,127}$`)
)

func validateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username %q", ErrInvalidIdentifier, username)
	}
	return nil
}

func validateDatabases(databases []string) error {
	for _, db := range databases {
		if !databasePattern.MatchString(db) {
			return fmt.Errorf("%w: database %q", ErrInvalidIdentifier, db)
		}
	}
	return nil
}

func validateRequest(req CreateUserRequest) error {
	if err := validateUsername(req.Username); err != nil {
		return err
	}
	if req.Password == "" {
		return fmt.Errorf("%w: empty password", ErrProvisioning)
	}
	if !req.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrProvisioning, req.Scope)
	}
	return validateDatabases(req.Databases)
}

// quoteLiteral wraps v in single quotes, doubling embedded quotes.
func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}
