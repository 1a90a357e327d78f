package v2

import (
	"strings"
	"testing"
)

func TestRepositoryNameRegexp(t *testing.T) {
	for _, testcase := range []struct {
		input string
		err   error
	}{
		{input: "short"},
		{input: "simple/name"},
		{input: "library/ubuntu"},
		{input: "docker/stevvooe/app"},
		{input: "aa/aa/aa/aa/aa/aa/aa/aa/aa/bb/bb/bb/bb/bb/bb"},
		{input: "aa/aa/bb/bb/bb"},
		{input: "a/a/a/b/b"},
		{input: "a/a/a/a/", err: ErrRepositoryNameInvalid},
		{input: "foo.com/bar/baz"},
		{input: "blog.foo.com/bar/baz"},
		{input: "asdf"},
		{input: "asdf$$^/aa", err: ErrRepositoryNameInvalid},
		{input: "aa-a/aa"},
		{input: "aa/aa"},
		{input: "a-a/a-a"},
		{input: "a", err: ErrRepositoryNameShort},
		{input: "a-/a/a/a", err: ErrRepositoryNameInvalid},
		{input: "foo_bar/baz"},
		{input: "foo__bar/baz"},
		{input: "foo___bar/baz", err: ErrRepositoryNameInvalid},
		{input: "foo..bar/baz", err: ErrRepositoryNameInvalid},
		{input: "-foo/bar", err: ErrRepositoryNameInvalid},
		{input: "foo/bar-", err: ErrRepositoryNameInvalid},
		{input: "foo-/bar", err: ErrRepositoryNameInvalid},
		{input: "Foo/bar", err: ErrRepositoryNameInvalid},
		{input: "", err: ErrRepositoryNameEmpty},
		{input: strings.Repeat("a", 255)},
		{input: strings.Repeat("a", 256), err: ErrRepositoryNameLong},
	} {
		err := ValidateRepositoryName(testcase.input)
		if err != testcase.err {
			if testcase.err != nil {
				t.Errorf("expected invalid repository: %v, got %v for %q", testcase.err, err, testcase.input)
			} else {
				t.Errorf("unexpected invalid repository: %v for %q", err, testcase.input)
			}
		}
	}
}

func TestTagNameRegexp(t *testing.T) {
	for _, testcase := range []struct {
		input string
		valid bool
	}{
		{input: "latest", valid: true},
		{input: "v1.0.0", valid: true},
		{input: "1.2-rc.1", valid: true},
		{input: "_internal", valid: true},
		{input: "Tag", valid: true},
		{input: "", valid: false},
		{input: ".hidden", valid: false},
		{input: "-bad", valid: false},
		{input: "has space", valid: false},
		{input: strings.Repeat("a", 128), valid: true},
		{input: strings.Repeat("a", 129), valid: false},
	} {
		err := ValidateTagName(testcase.input)
		if (err == nil) != testcase.valid {
			t.Errorf("tag %q: expected valid=%t, got err=%v", testcase.input, testcase.valid, err)
		}
	}
}
