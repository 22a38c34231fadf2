package materialize

import (
	"errors"
	"testing"
)

func TestValidateBranch(t *testing.T) {
	valid := []string{
		"main",
		"master",
		"release/v2",
		"feature/deploy-panel",
		"v1.2.3",
		"user_branch-1",
	}
	for _, branch := range valid {
		if err := ValidateBranch(branch); err != nil {
			t.Errorf("ValidateBranch(%q) = %v, want nil", branch, err)
		}
	}

	invalid := []string{
		"",
		"-leading-dash",
		".hidden",
		"has space",
		"branch;rm -rf /",
		"--upload-pack=/bin/sh",
		"feat\nmain",
	}
	for _, branch := range invalid {
		if err := ValidateBranch(branch); !errors.Is(err, ErrInvalidBranch) {
			t.Errorf("ValidateBranch(%q) = %v, want ErrInvalidBranch", branch, err)
		}
	}
}
