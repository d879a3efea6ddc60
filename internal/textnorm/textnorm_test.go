package textnorm

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf", "a\r\nb\rc", "a\nb\nc"},
		{"form feed", "page one\fpage two", "page one\npage two"},
		{"tabs and spaces", "a \t  b", "a b"},
		{"blank runs", "a\n\n\n\n\nb", "a\n\nb"},
		{"line edges", "  a  \n  b  ", "a\nb"},
		{"nfkc ligature", "ﬁre", "fire"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLines(t *testing.T) {
	got := Lines("Q1 first\r\n\r\nQ2 second")
	want := []string{"Q1 first", "", "Q2 second"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %#v, want %#v", got, want)
	}
	if Lines("") != nil {
		t.Error("Lines of empty text should be nil")
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("I don't know, H2O is water!")
	want := []string{"i", "dont", "know", "h2o", "is", "water"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokens() = %#v, want %#v", got, want)
	}
}

func TestContentTokens(t *testing.T) {
	got := ContentTokens("The process of photosynthesis uses light and water", 2)
	want := []string{"process", "photosynthesis", "uses", "light", "water"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ContentTokens() = %#v, want %#v", got, want)
	}
}

func TestNormalizeAnswer(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Energy cannot be created!", "energy cannot be created"},
		{"  Energy,   cannot be\ncreated ", "energy cannot be created"},
		{"I don't know.", "i dont know"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAnswer(tt.in); got != tt.want {
			t.Errorf("NormalizeAnswer(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "water is wet", "water is wet", 1},
		{"disjoint", "water is wet", "fire burns", 0},
		{"half", "a b", "b c", 1.0 / 3.0},
		{"empty", "", "x", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Jaccard(tt.a, tt.b); got != tt.want {
				t.Errorf("Jaccard() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSentences(t *testing.T) {
	got := Sentences("First one. Second one! Third? ")
	if len(got) != 3 {
		t.Fatalf("expected 3 sentences, got %d: %#v", len(got), got)
	}
	if got[2] != "Third" {
		t.Errorf("last sentence = %q, want %q", got[2], "Third")
	}
}
