package pages

import "testing"

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Hello World":     "hello-world",
		"  leading/trail ": "leading-trail",
		"Already-slug":    "already-slug",
		"Emoji 🎉 Party":   "emoji-party",
		"":                "",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlugify_Truncates(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "a"
	}
	got := Slugify(long)
	if len(got) != maxSlugLength {
		t.Errorf("expected truncated slug of length %d, got %d", maxSlugLength, len(got))
	}
}

func TestIsReservedSlug(t *testing.T) {
	if !IsReservedSlug("admin") {
		t.Error("expected 'admin' to be reserved")
	}
	if IsReservedSlug("welcome") {
		t.Error("did not expect 'welcome' to be reserved")
	}
}

func TestValidateSlug(t *testing.T) {
	if err := ValidateSlug(""); err == nil {
		t.Error("expected empty slug to be rejected")
	}
	if err := ValidateSlug("admin"); err == nil {
		t.Error("expected reserved slug to be rejected")
	}
	if err := ValidateSlug("welcome"); err != nil {
		t.Errorf("expected valid slug to pass, got %v", err)
	}
}

func TestHashContent_Deterministic(t *testing.T) {
	a := HashContent("hello")
	b := HashContent("hello")
	if a != b {
		t.Errorf("expected deterministic hash, got %q and %q", a, b)
	}
	if HashContent("hello") == HashContent("world") {
		t.Error("expected different content to hash differently")
	}
}
