package coap

import "testing"

func TestURIToOptionsBasic(t *testing.T) {
	opts, err := URIToOptions("coap://example.org/sensors/temp?u=C", "example.org", 5683, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := opts.GetFirst(URIHost); ok {
		t.Fatalf("Uri-Host should be omitted when it matches the destination")
	}
	if got := opts.Get(URIPath); len(got) != 2 || got[0] != "sensors" || got[1] != "temp" {
		t.Fatalf("unexpected path options: %v", got)
	}
	if got, ok := opts.GetFirst(URIQuery); !ok || got != "u=C" {
		t.Fatalf("unexpected query option: %v", got)
	}
}

func TestURIToOptionsEmitsHostWhenDifferent(t *testing.T) {
	opts, err := URIToOptions("coap://other.example/", "example.org", 5683, false)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := opts.GetFirst(URIHost); !ok || got != "other.example" {
		t.Fatalf("expected Uri-Host to be emitted, got %v", got)
	}
}

func TestURIToOptionsEmitsPortWhenNonDefault(t *testing.T) {
	opts, err := URIToOptions("coap://example.org:9999/", "example.org", 5683, false)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := opts.GetFirst(URIPort); !ok || got.(uint32) != 9999 {
		t.Fatalf("expected Uri-Port 9999, got %v", got)
	}
}

func TestURIToOptionsRejectsRelative(t *testing.T) {
	if _, err := URIToOptions("/sensors/temp", "example.org", 5683, false); err != ErrNotAbsolute {
		t.Fatalf("expected ErrNotAbsolute, got %v", err)
	}
}

func TestURIToOptionsRejectsFragment(t *testing.T) {
	if _, err := URIToOptions("coap://example.org/x#frag", "example.org", 5683, false); err != ErrHasFragment {
		t.Fatalf("expected ErrHasFragment, got %v", err)
	}
}

func TestOptionsToURIEmptyPathIsSlash(t *testing.T) {
	scheme, _ := LookupScheme("coap")
	got := OptionsToURI(scheme, nil, "example.org", 5683)
	if got != "coap://example.org/" {
		t.Fatalf("unexpected uri: %s", got)
	}
}

func TestSchemeDefaults(t *testing.T) {
	cases := map[string]int{
		"coap": 5683, "coaps": 5684, "coap+tcp": 5683,
		"coaps+tcp": 5684, "coap+ws": 80, "coaps+ws": 443,
	}
	for name, port := range cases {
		s, ok := LookupScheme(name)
		if !ok || s.DefaultPort != port {
			t.Fatalf("scheme %s: got %+v", name, s)
		}
	}
}
