package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "https://call.example.com", want: "https://call.example.com", ok: true},
		{in: "HTTPS://Call.Example.com", want: "https://call.example.com", ok: true},
		{in: "https://example.com:443", want: "https://example.com", ok: true},
		{in: "http://example.com:80", want: "http://example.com", ok: true},
		{in: "http://example.com:8080", want: "http://example.com:8080", ok: true},
		{in: " https://example.com ", want: "https://example.com", ok: true},
		{in: "null", want: "null", ok: true},
		{in: "", ok: false},
		{in: "example.com", ok: false},
		{in: "ftp://example.com", ok: false},
		{in: "https://user@example.com", ok: false},
		{in: "https://example.com/path", ok: false},
		{in: "https://example.com?q=1", ok: false},
	}

	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Normalize(%q)=(%q,%v), want (%q,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAllowed_SameHostDefault(t *testing.T) {
	cases := []struct {
		origin      string
		requestHost string
		want        bool
	}{
		{origin: "https://example.com", requestHost: "example.com", want: true},
		{origin: "https://example.com", requestHost: "example.com:443", want: true},
		{origin: "http://example.com:8080", requestHost: "example.com:8080", want: true},
		{origin: "https://example.com", requestHost: "other.com", want: false},
		{origin: "http://example.com:8080", requestHost: "example.com:9090", want: false},
		{origin: "null", requestHost: "example.com", want: false},
	}

	for _, tc := range cases {
		if got := Allowed(tc.origin, tc.requestHost, nil); got != tc.want {
			t.Errorf("Allowed(%q, %q, nil)=%v, want %v", tc.origin, tc.requestHost, got, tc.want)
		}
	}
}

func TestAllowed_Allowlist(t *testing.T) {
	allowlist := []string{"https://app.example.com"}

	if !Allowed("https://app.example.com", "relay.internal", allowlist) {
		t.Fatalf("allowlisted origin denied")
	}
	if Allowed("https://evil.example.com", "relay.internal", allowlist) {
		t.Fatalf("non-allowlisted origin accepted")
	}
	if !Allowed("null", "relay.internal", []string{"*"}) {
		t.Fatalf("wildcard should accept any origin, including null")
	}
}
