package util

import (
	"reflect"
	"testing"
)

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("RP_BOOL", "yes")
	if !ParseBoolEnv("RP_BOOL", false) {
		t.Error("expected yes to parse as true")
	}
	t.Setenv("RP_BOOL", "nope")
	if !ParseBoolEnv("RP_BOOL", true) {
		t.Error("invalid value should return default")
	}
}

func TestParseIntEnv(t *testing.T) {
	if got := ParseIntEnv("RP_INT_UNSET", 7); got != 7 {
		t.Errorf("unset = %d, want 7", got)
	}
	t.Setenv("RP_INT", " 42 ")
	if got := ParseIntEnv("RP_INT", 7); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	t.Setenv("RP_INT", "4x")
	if got := ParseIntEnv("RP_INT", 7); got != 7 {
		t.Errorf("invalid = %d, want default 7", got)
	}
}

func TestParseListEnv(t *testing.T) {
	t.Setenv("RP_LIST", " 5511999, ,5511888 ,")
	got := ParseListEnv("RP_LIST", ",")
	want := []string{"5511999", "5511888"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if ParseListEnv("RP_LIST_UNSET", ",") != nil {
		t.Error("unset list should be nil")
	}
}
