package browser

import (
	"reflect"
	"testing"
)

func TestSortIDsUsesNaturalOrder(t *testing.T) {
	t.Parallel()

	got := SortIDs([]string{"chrome35", "firefox", "123unknown", "ie8", "ie10", "ie9"})
	want := []string{"123unknown", "chrome35", "firefox", "ie8", "ie9", "ie10"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSortIDsDropsDuplicates(t *testing.T) {
	t.Parallel()

	got := SortIDs([]string{"firefox", "chrome", "firefox", " "})
	want := []string{"chrome", "firefox"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		id      string
		ok      bool
		family  string
		version int
	}{
		{id: "chrome", ok: true, family: "chrome", version: 0},
		{id: "IE11", ok: true, family: "ie", version: 11},
		{id: "firefox31", ok: true, family: "firefox", version: 31},
		{id: "123unknown", ok: false},
		{id: "ie-9", ok: false},
		{id: "", ok: false},
	}
	for _, tc := range cases {
		profile, ok := ParseID(tc.id)
		if ok != tc.ok {
			t.Fatalf("%q: expected ok=%v, got %v", tc.id, tc.ok, ok)
		}
		if !ok {
			continue
		}
		if profile.Family != tc.family || profile.Version != tc.version {
			t.Fatalf("%q: expected %s/%d, got %s/%d", tc.id, tc.family, tc.version, profile.Family, profile.Version)
		}
	}
}

func TestRegistryManualFlagAndInvalidIDs(t *testing.T) {
	t.Parallel()

	registry := NewRegistry([]string{"firefox", "chrome", "ie9", "???"}, []string{"chrome"})
	profiles := registry.List()
	if len(profiles) != 3 {
		t.Fatalf("expected invalid id to be dropped, got %+v", profiles)
	}
	if profiles[0].ID != "chrome" || !profiles[0].AcceptsManual {
		t.Fatalf("expected chrome first with manual support, got %+v", profiles[0])
	}
	if registry.AcceptsManual("firefox") {
		t.Fatalf("did not expect firefox to accept manual tests")
	}
}

func TestRegistryMatchHonoursWildcardVersion(t *testing.T) {
	t.Parallel()

	registry := NewRegistry([]string{"ie", "ie9", "ie10", "chrome"}, nil)

	matched := registry.Match("ie", 9)
	if len(matched) != 2 {
		t.Fatalf("expected ie and ie9 to match, got %+v", matched)
	}
	if matched[0].ID != "ie" || matched[1].ID != "ie9" {
		t.Fatalf("unexpected match order %+v", matched)
	}
	if got := registry.Match("safari", 7); len(got) != 0 {
		t.Fatalf("expected no match for safari, got %+v", got)
	}
}

func TestParseUserAgent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ua      string
		family  string
		version int
	}{
		{
			ua:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/35.0.1916.153 Safari/537.36",
			family:  "chrome",
			version: 35,
		},
		{
			ua:      "Mozilla/5.0 (X11; Linux x86_64; rv:31.0) Gecko/20100101 Firefox/31.0",
			family:  "firefox",
			version: 31,
		},
		{
			ua:      "Mozilla/5.0 (compatible; MSIE 9.0; Windows NT 6.1; Trident/5.0)",
			family:  "ie",
			version: 9,
		},
	}
	for _, tc := range cases {
		family, version := ParseUserAgent(tc.ua)
		if family != tc.family || version != tc.version {
			t.Fatalf("expected %s/%d, got %s/%d", tc.family, tc.version, family, version)
		}
	}
}
