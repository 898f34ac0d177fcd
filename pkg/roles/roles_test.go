package roles

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		raw     string
		want    Key
		wantErr bool
	}{
		{raw: "BG.MAIN", want: Key{Category: "BG", Role: "MAIN"}},
		{raw: " char.host.primary ", want: Key{Category: "CHAR", Role: "HOST", Variant: "PRIMARY"}},
		{raw: "UI.ICON.HOLDER.MAIN", want: Key{Category: "UI", Role: "ICON", Variant: "HOLDER.MAIN"}},
		{raw: "BG", wantErr: true},
		{raw: "", wantErr: true},
		{raw: "BG..MAIN", wantErr: true},
		{raw: "A.B.C.D.E", wantErr: true},
		{raw: "BG.MAIN-1", wantErr: true},
		{raw: "WARDROBE.ITEM.7", want: Key{Category: "WARDROBE", Role: "ITEM", Variant: "7"}},
		{raw: "1BG.MAIN", wantErr: true},
		{raw: "BG.2MAIN", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("Parse(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q) unexpected error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestKeyStringRoundTrip(t *testing.T) {
	key, err := Parse("char.guest.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.String() != "CHAR.GUEST.1" {
		t.Fatalf("unexpected canonical form %q", key.String())
	}
}

func TestCompatible(t *testing.T) {
	if !Compatible("CHAR.HOST.LALA", "CHAR.HOST.JUSTAWOMANINHERPRIME") {
		t.Fatal("variants of the same role should be compatible")
	}
	if !Compatible("BG.MAIN", "BG.MAIN") {
		t.Fatal("identical keys should be compatible")
	}
	if Compatible("CHAR.GUEST.1", "CHAR.HOST.LALA") {
		t.Fatal("different roles should not be compatible")
	}
	if Compatible("bogus", "BG.MAIN") {
		t.Fatal("invalid keys are never compatible")
	}
}

func TestCatalog(t *testing.T) {
	for _, def := range Catalog() {
		if !Valid(def.Key) {
			t.Fatalf("catalog key %q does not parse", def.Key)
		}
	}
	def, ok := Lookup("bg.main")
	if !ok || def.Category != "BG" {
		t.Fatalf("expected BG.MAIN lookup, got %+v %v", def, ok)
	}
	if got := len(ByCategory("text")); got != 4 {
		t.Fatalf("expected 4 text roles, got %d", got)
	}
}
