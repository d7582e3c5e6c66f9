package protocol

import "testing"

func TestFields_Int64(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int64
		wantErr bool
	}{
		{name: "int", value: 5, want: 5},
		{name: "int32", value: int32(6), want: 6},
		{name: "int64", value: int64(7), want: 7},
		{name: "integral float", value: float64(8), want: 8},
		{name: "numeric string", value: " 9 ", want: 9},
		{name: "fractional float", value: 1.5, wantErr: true},
		{name: "word", value: "nine", wantErr: true},
		{name: "bool", value: true, wantErr: true},
		{name: "missing", value: nil, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Fields{}
			if tt.value != nil {
				f["n"] = tt.value
			}
			got, err := f.Int64("n")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("protocol:fields_test - expected error, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("protocol:fields_test - unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("protocol:fields_test - expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestFields_String(t *testing.T) {
	f := Fields{"a": "  alice ", "b": "   ", "c": 3}
	if s, err := f.String("a"); err != nil || s != "alice" {
		t.Errorf("protocol:fields_test - expected alice, got %q (%v)", s, err)
	}
	if _, err := f.String("b"); err == nil {
		t.Error("protocol:fields_test - blank string must fail")
	}
	if _, err := f.String("c"); err == nil {
		t.Error("protocol:fields_test - non-string must fail")
	}
	if _, err := f.String("missing"); err == nil {
		t.Error("protocol:fields_test - missing key must fail")
	}
}

func TestFields_Text(t *testing.T) {
	f := Fields{"password": " clave con espacios ", "blank": " \t", "n": 1}
	if s, err := f.Text("password"); err != nil || s != " clave con espacios " {
		t.Errorf("protocol:fields_test - expected value kept as sent, got %q (%v)", s, err)
	}
	if _, err := f.Text("blank"); err == nil {
		t.Error("protocol:fields_test - blank text must fail")
	}
	if _, err := f.Text("n"); err == nil {
		t.Error("protocol:fields_test - non-string must fail")
	}
	if _, err := f.Text("missing"); err == nil {
		t.Error("protocol:fields_test - missing key must fail")
	}
}

func TestFields_StringList(t *testing.T) {
	f := Fields{
		"typed":  []string{"a", " ", "b"},
		"loose":  []any{"x", "y"},
		"mixed":  []any{"x", 1},
		"scalar": "x",
	}
	if l, err := f.StringList("typed"); err != nil || len(l) != 2 {
		t.Errorf("protocol:fields_test - expected 2 entries, got %v (%v)", l, err)
	}
	if l, err := f.StringList("loose"); err != nil || len(l) != 2 {
		t.Errorf("protocol:fields_test - expected 2 entries, got %v (%v)", l, err)
	}
	if _, err := f.StringList("mixed"); err == nil {
		t.Error("protocol:fields_test - mixed list must fail")
	}
	if _, err := f.StringList("scalar"); err == nil {
		t.Error("protocol:fields_test - scalar must fail")
	}
}

func TestFields_BytesAndBool(t *testing.T) {
	f := Fields{"audio": []byte{1}, "empty": []byte{}, "flag": true}
	if _, err := f.Bytes("audio"); err != nil {
		t.Errorf("protocol:fields_test - unexpected error: %v", err)
	}
	if _, err := f.Bytes("empty"); err == nil {
		t.Error("protocol:fields_test - empty bytes must fail")
	}
	if !f.Bool("flag") || f.Bool("missing") {
		t.Error("protocol:fields_test - Bool mismatch")
	}
	if f.OptInt64("missing", 50) != 50 {
		t.Error("protocol:fields_test - OptInt64 default not applied")
	}
}
