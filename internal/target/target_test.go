package target

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"branchguard/internal/errclass"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []Target
	}{
		{
			name: "single pair",
			raw:  "myapp:feature/x",
			want: []Target{{Repository: "myapp", Branch: "feature/x"}},
		},
		{
			name: "trims whitespace and skips blank lines",
			raw:  "\n  myapp : feature/x  \n\n\t other:bugfix/y\n",
			want: []Target{
				{Repository: "myapp", Branch: "feature/x"},
				{Repository: "other", Branch: "bugfix/y"},
			},
		},
		{
			name: "pipe delimiter",
			raw:  "myapp|feature/x",
			want: []Target{{Repository: "myapp", Branch: "feature/x"}},
		},
		{
			name: "splits on last separator",
			raw:  "git@github.com:acme/app:feature/x\nhttps://github.com/acme/app|hotfix-1",
			want: []Target{
				{Repository: "git@github.com:acme/app", Branch: "feature/x"},
				{Repository: "https://github.com/acme/app", Branch: "hotfix-1"},
			},
		},
		{
			name: "dedupes keeping first occurrence",
			raw:  "a:one\nb:two\na:one\na|one\nb:three",
			want: []Target{
				{Repository: "a", Branch: "one"},
				{Repository: "b", Branch: "two"},
				{Repository: "b", Branch: "three"},
			},
		},
		{
			name: "windows line endings and comments",
			raw:  "# cleanup list\r\nmyapp:feature/x\r\n",
			want: []Target{{Repository: "myapp", Branch: "feature/x"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse returned error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Parse mismatch:\n got  %v\n want %v", got, tt.want)
			}
		})
	}
}

func TestParse_Idempotent(t *testing.T) {
	raw := "a:one\nb|two\na:one\n"
	first, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	second, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical results, got %v and %v", first, second)
	}
}

func TestParse_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{name: "empty", raw: "", wantMsg: "no repository:branch targets"},
		{name: "only whitespace", raw: "  \n\t\n", wantMsg: "no repository:branch targets"},
		{name: "missing separator", raw: "myapp", wantMsg: "line 1: missing ':'"},
		{name: "empty branch", raw: "ok:b\nmyapp:", wantMsg: "line 2: empty repository or branch"},
		{name: "empty repository", raw: ":feature", wantMsg: "line 1: empty repository or branch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, errclass.ErrInvalidInput) {
				t.Fatalf("expected InvalidInput class, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("expected %q in error, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestRepositories(t *testing.T) {
	targets := []Target{
		{Repository: "b", Branch: "1"},
		{Repository: "a", Branch: "1"},
		{Repository: "b", Branch: "2"},
	}
	got := Repositories(targets)
	want := []string{"b", "a"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Repositories mismatch: got %v want %v", got, want)
	}
}
