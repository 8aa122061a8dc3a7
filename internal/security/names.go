package security

import (
	"fmt"
	"regexp"
	"strings"

	"sessionvault/internal/domain"
)

// MaxNameLength bounds document names and session directory names.
const MaxNameLength = 255

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateName checks a single path component against the allow-list used
// for document names and session directories: ASCII letters, digits, '.',
// '_' and '-', at most MaxNameLength bytes, and no ".." sequence.
func ValidateName(name string) error {
	switch {
	case name == "":
		return domain.NewDomainError("ValidateName", domain.ErrInvalidFilename, "empty name")
	case len(name) > MaxNameLength:
		return domain.NewDomainError("ValidateName", domain.ErrInvalidFilename,
			fmt.Sprintf("name is %d bytes, limit %d", len(name), MaxNameLength))
	case strings.Contains(name, ".."), name == ".":
		return domain.NewDomainError("ValidateName", domain.ErrInvalidFilename, fmt.Sprintf("%q", name))
	case !namePattern.MatchString(name):
		return domain.NewDomainError("ValidateName", domain.ErrInvalidFilename,
			fmt.Sprintf("%q contains characters outside [A-Za-z0-9._-]", name))
	}
	return nil
}
