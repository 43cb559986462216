package github

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-github/v81/github"
)

func forbidden(t *testing.T) *github.ErrorResponse {
	t.Helper()
	u, err := url.Parse("https://api.github.com/repos/acme/app/git/refs/heads/feature")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return &github.ErrorResponse{
		Response: &http.Response{
			StatusCode: http.StatusForbidden,
			Status:     "403 Forbidden",
			Request:    &http.Request{Method: http.MethodDelete, URL: u},
		},
		Message: "Resource not accessible by integration",
	}
}

func TestDescribeError_HidesRequestURL(t *testing.T) {
	err := fmt.Errorf("delete ref: %w", forbidden(t))

	got := DescribeError(err, false)
	if strings.Contains(got, "https://") {
		t.Fatalf("expected URL to be scrubbed, got %q", got)
	}
	want := "GitHub API request failed (403 Forbidden): Resource not accessible by integration"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	if verbose := DescribeError(err, true); !strings.Contains(verbose, "https://api.github.com") {
		t.Fatalf("expected verbose output to keep URL, got %q", verbose)
	}
}

func TestDescribeError_FallbackScrub(t *testing.T) {
	err := errors.New("GET https://api.github.com/repos/acme/foo/git/ref/heads/main: 502 bad gateway []")
	if got, want := DescribeError(err, false), "502 bad gateway []"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	plain := errors.New("dial tcp: connection refused")
	if got := DescribeError(plain, false); got != plain.Error() {
		t.Fatalf("expected plain error unchanged, got %q", got)
	}
	if got := DescribeError(nil, false); got != "unknown error" {
		t.Fatalf("unexpected nil description %q", got)
	}
}

func TestStatusCode(t *testing.T) {
	if got := StatusCode(fmt.Errorf("wrapped: %w", forbidden(t))); got != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", got)
	}
	if got := StatusCode(errors.New("boom")); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
