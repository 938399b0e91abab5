package probe

import "testing"

func TestDetectDelimiter_TiePrefersComma(t *testing.T) {
	t.Parallel()

	if got := DetectDelimiter([]string{"a,b;c", "1,2;3"}); got != ',' {
		t.Fatalf("delimiter=%q want ','", got)
	}
	if got := DetectDelimiter(nil); got != ',' {
		t.Fatalf("empty sample delimiter=%q", got)
	}
}

func TestDetectHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		first  []string
		sample [][]string
		want   bool
	}{
		{"only row", []string{"a", "b"}, nil, true},
		{"quarter labels", []string{"Region", "Q1", "Q2"}, [][]string{{"North", "1", "2"}}, true},
		{"numeric first row", []string{"x", "3.5"}, [][]string{{"y", "4"}}, false},
		{"text repeats", []string{"x", "y"}, [][]string{{"z", "y"}}, false},
		{"text unique", []string{"name", "city"}, [][]string{{"Bob", "Paris"}}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DetectHeader(tt.first, tt.sample); got != tt.want {
				t.Fatalf("DetectHeader(%v)=%v want %v", tt.first, got, tt.want)
			}
		})
	}
}
