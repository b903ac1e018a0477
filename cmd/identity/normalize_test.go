package identity

import "testing"

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Foo.Bar@Example.COM "); got != "foo.bar@example.com" {
		t.Fatalf("NormalizeEmail=%q", got)
	}
}

func TestValidEmail(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{in: "a@x.com", want: true},
		{in: " a@x.com ", want: true},
		{in: "first.last+tag@sub.example.org", want: true},
		{in: "", want: false},
		{in: "no-at-sign", want: false},
		{in: "@x.com", want: false},
		{in: "a@", want: false},
		{in: "Alice <a@x.com>", want: false},
		{in: "a@.com", want: false},
	}
	for _, tc := range cases {
		if got := ValidEmail(tc.in); got != tc.want {
			t.Fatalf("ValidEmail(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole(" Admin "); !ok || r != RoleAdmin {
		t.Fatalf("ParseRole(admin)=%q,%v", r, ok)
	}
	if _, ok := ParseRole("root"); ok {
		t.Fatalf("expected unknown role to be rejected")
	}
}
