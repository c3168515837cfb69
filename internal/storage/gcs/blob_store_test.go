package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, Config{Bucket: "b"}); err == nil {
		t.Fatal("expected missing client error")
	}
	if _, err := New(&storage.Client{}, Config{}); err == nil {
		t.Fatal("expected missing bucket error")
	}
}

func TestObjectNameAppliesPrefix(t *testing.T) {
	t.Parallel()

	cases := []struct {
		prefix, name, want string
	}{
		{"", "job/a.html", "job/a.html"},
		{"archive/", "/job/a.html", "archive/job/a.html"},
		{"/archive", "  ", ""},
	}
	for _, tc := range cases {
		store, err := New(&storage.Client{}, Config{Bucket: "b", Prefix: tc.prefix})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if got := store.ObjectName(tc.name); got != tc.want {
			t.Fatalf("ObjectName(%q) with prefix %q = %q, want %q", tc.name, tc.prefix, got, tc.want)
		}
	}
}
