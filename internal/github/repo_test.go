package github

import (
	"errors"
	"testing"

	"branchguard/internal/errclass"
)

func TestParseRepository(t *testing.T) {
	tests := []struct {
		raw   string
		owner string
		want  Repository
	}{
		{raw: "app", owner: "acme", want: Repository{Owner: "acme", Name: "app"}},
		{raw: "acme/app", want: Repository{Owner: "acme", Name: "app"}},
		{raw: "https://github.com/acme/app", want: Repository{Host: "github.com", Owner: "acme", Name: "app"}},
		{raw: "https://GitHub.com/acme/app.git/", want: Repository{Host: "github.com", Owner: "acme", Name: "app"}},
		{raw: "git@github.com:acme/app.git", want: Repository{Host: "github.com", Owner: "acme", Name: "app"}},
		{raw: "ssh://git@ghe.example.com/acme/app.git", want: Repository{Host: "ghe.example.com", Owner: "acme", Name: "app"}},
		{raw: "acme/my.app_v2", want: Repository{Owner: "acme", Name: "my.app_v2"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseRepository(tt.raw, tt.owner)
			if err != nil {
				t.Fatalf("ParseRepository returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseRepository mismatch: got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestParseRepository_Invalid(t *testing.T) {
	for _, raw := range []string{"", "app", "a/b/c", "https://github.com/app", "git@github.com", "acme/a b", "acme/.."} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseRepository(raw, "")
			if err == nil {
				t.Fatalf("expected error for %q", raw)
			}
			if !errors.Is(err, errclass.ErrInvalidInput) {
				t.Fatalf("expected InvalidInput, got %v", err)
			}
		})
	}
}

func TestResolver_Locate(t *testing.T) {
	r := NewResolver("acme", "https://github.com/")

	key, cloneURL, err := r.Locate("app")
	if err != nil {
		t.Fatalf("Locate returned error: %v", err)
	}
	if key != "acme/app" {
		t.Fatalf("unexpected key %q", key)
	}
	if cloneURL != "https://github.com/acme/app.git" {
		t.Fatalf("unexpected clone url %q", cloneURL)
	}

	if _, _, err := r.Locate("git@gitlab.com:acme/app.git"); !errors.Is(err, errclass.ErrInvalidInput) {
		t.Fatalf("expected foreign host to be rejected, got %v", err)
	}
}
