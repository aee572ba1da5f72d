package urlcodec

import (
	"errors"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	urls := []string{
		"https://example.com",
		"https://example.com/a%20b",
		"https://example.com/a b?q=1&r=two words#frag",
		"http://user:pw@host:8080/path/;params?x=+y",
		"https://例え.jp/パス?クエリ=値",
		"https://example.com/~tilde/!bang/*star/(paren)/'quote'",
		"ftp://weird.example/%zz",
	}

	for _, u := range urls {
		t.Run(u, func(t *testing.T) {
			got, err := Decode(Encode(u))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got != u {
				t.Errorf("Decode(Encode(%q)) = %q", u, got)
			}
		})
	}
}

func TestEncode_SingleSegment(t *testing.T) {
	got := Encode("https://example.com/a%20b c")
	want := "https%3A%2F%2Fexample.com%2Fa%2520b%20c"
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestDecode_Invalid(t *testing.T) {
	if _, err := Decode("https%3A%2F%2Fexample.com%zz"); err == nil {
		t.Fatal("Decode() expected error for malformed escape, got nil")
	}
}

func TestBuildRedirect(t *testing.T) {
	got, err := BuildRedirect("/go/", "https://example.com/a%20b")
	if err != nil {
		t.Fatalf("BuildRedirect() error = %v", err)
	}
	want := "/go/https%3A%2F%2Fexample.com%2Fa%2520b"
	if got != want {
		t.Errorf("BuildRedirect() = %q, want %q", got, want)
	}
}

func TestBuildRedirect_MissingParameter(t *testing.T) {
	_, err := BuildRedirect("/go/", "")
	if !errors.Is(err, ErrMissingParameter) {
		t.Errorf("BuildRedirect(\"\") error = %v, want ErrMissingParameter", err)
	}
}

func TestResolveRelative(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		referer string
		want    string
		wantErr bool
	}{
		{
			name:   "absolute target unchanged",
			target: "https://other.example/x",
			want:   "https://other.example/x",
		},
		{
			name:    "relative against encoded referer",
			target:  "img/logo.png",
			referer: "http://relay.local/go/https%3A%2F%2Fsite.example%2Fpage",
			want:    "https://site.example/img/logo.png",
		},
		{
			name:    "relative against raw referer keeps query",
			target:  "/search?q=go",
			referer: "http://relay.local/go/https://site.example/index.html",
			want:    "https://site.example/search?q=go",
		},
		{
			name:    "relative against page in subdirectory",
			target:  "img.png",
			referer: "http://relay.local/go/" + Encode("https://site.example/dir/page"),
			want:    "https://site.example/dir/img.png",
		},
		{
			name:    "parent directory",
			target:  "../img.png",
			referer: "http://relay.local/go/https://site.example/a/b/page.html",
			want:    "https://site.example/a/img.png",
		},
		{
			name:    "protocol-relative takes referer scheme",
			target:  "//cdn.example/lib.js",
			referer: "http://relay.local/go/https://site.example/dir/page",
			want:    "https://cdn.example/lib.js",
		},
		{
			name:    "no referer",
			target:  "img/logo.png",
			wantErr: true,
		},
		{
			name:    "referer outside mount",
			target:  "img/logo.png",
			referer: "http://relay.local/other/https://site.example/",
			wantErr: true,
		},
		{
			name:    "referer without absolute target",
			target:  "img/logo.png",
			referer: "http://relay.local/go/nothing-here",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveRelative(tt.target, tt.referer, "/go/")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ResolveRelative() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveRelative() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveRelative() = %q, want %q", got, tt.want)
			}
		})
	}
}
