package tuning

import "testing"

type testTarget struct {
	Name string `mapstructure:"name"`
	Port int    `mapstructure:"port"`
}

func (t *testTarget) ApplyDefaults() {
	if t.Port == 0 {
		t.Port = 8080
	}
}

func TestDecode_PopulatesFieldsAndDefaults(t *testing.T) {
	var target testTarget
	if err := Decode(map[string]any{"name": "x"}, &target); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if target.Name != "x" || target.Port != 8080 {
		t.Errorf("got %+v", target)
	}
}

func TestDecode_NilInputAppliesDefaults(t *testing.T) {
	var target testTarget
	if err := Decode(nil, &target); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if target.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", target.Port)
	}
}

func TestDecodeWithUnused_ReportsUnknownKeys(t *testing.T) {
	var target testTarget
	unused, err := DecodeWithUnused(map[string]any{"name": "x", "bogus": 1}, &target)
	if err != nil {
		t.Fatalf("DecodeWithUnused: %v", err)
	}
	if len(unused) != 1 || unused[0] != "bogus" {
		t.Errorf("unused = %v", unused)
	}
}
