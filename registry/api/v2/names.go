package v2

import (
	"fmt"
	"regexp"
)

const (
	// RepositoryNameTotalLengthMin is the minimum total number of characters
	// in a repository name.
	RepositoryNameTotalLengthMin = 2

	// RepositoryNameTotalLengthMax is the maximum total number of characters
	// in a repository name.
	RepositoryNameTotalLengthMax = 255
)

// RepositoryNameComponentRegexp restricts registry path components to
// lowercase alphanumeric runs separated by single periods, one or two
// underscores, or one or more dashes.
var RepositoryNameComponentRegexp = regexp.MustCompile(`[a-z0-9]+(?:(?:\.|_|__|-+)[a-z0-9]+)*`)

// RepositoryNameRegexp builds on RepositoryNameComponentRegexp to allow
// multiple path components, separated by a forward slash.
var RepositoryNameRegexp = regexp.MustCompile(RepositoryNameComponentRegexp.String() + `(?:/` + RepositoryNameComponentRegexp.String() + `)*`)

// RepositoryNameAnchoredRegexp is the version of RepositoryNameRegexp which
// must completely match the content.
var RepositoryNameAnchoredRegexp = regexp.MustCompile(`^` + RepositoryNameRegexp.String() + `$`)

// TagNameRegexp matches valid tag names. A tag name must start with a word
// character and may contain up to 127 further word characters, periods,
// dashes and underscores.
var TagNameRegexp = regexp.MustCompile(`[A-Za-z0-9_][A-Za-z0-9._-]{0,127}`)

// TagNameAnchoredRegexp is the version of TagNameRegexp which must
// completely match the content.
var TagNameAnchoredRegexp = regexp.MustCompile(`^` + TagNameRegexp.String() + `$`)

var (
	// ErrRepositoryNameEmpty is returned for empty, invalid repository names.
	ErrRepositoryNameEmpty = fmt.Errorf("repository name must have at least %v characters", RepositoryNameTotalLengthMin)

	// ErrRepositoryNameShort is returned when a repository name has fewer
	// than RepositoryNameTotalLengthMin characters.
	ErrRepositoryNameShort = fmt.Errorf("repository name must have at least %v characters", RepositoryNameTotalLengthMin)

	// ErrRepositoryNameLong is returned when a repository name is longer
	// than RepositoryNameTotalLengthMax.
	ErrRepositoryNameLong = fmt.Errorf("repository name must not be more than %v characters", RepositoryNameTotalLengthMax)

	// ErrRepositoryNameInvalid is returned when a repository name does not
	// match RepositoryNameRegexp.
	ErrRepositoryNameInvalid = fmt.Errorf("repository name must match %q", RepositoryNameRegexp.String())

	// ErrTagNameInvalid is returned when a tag name does not match
	// TagNameRegexp.
	ErrTagNameInvalid = fmt.Errorf("tag name must match %q", TagNameRegexp.String())
)

// ValidateRepositoryName ensures the repository name is valid for use in the
// registry. If the name does not pass validation, an error describing the
// failed condition is returned.
func ValidateRepositoryName(name string) error {
	if name == "" {
		return ErrRepositoryNameEmpty
	}

	if len(name) < RepositoryNameTotalLengthMin {
		return ErrRepositoryNameShort
	}

	if len(name) > RepositoryNameTotalLengthMax {
		return ErrRepositoryNameLong
	}

	if !RepositoryNameAnchoredRegexp.MatchString(name) {
		return ErrRepositoryNameInvalid
	}

	return nil
}

// ValidateTagName ensures the tag name is valid for use in the registry.
func ValidateTagName(name string) error {
	if !TagNameAnchoredRegexp.MatchString(name) {
		return ErrTagNameInvalid
	}

	return nil
}
