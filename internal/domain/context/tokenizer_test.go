package context

import "testing"

func TestSimpleTokenizer(t *testing.T) {
	tokenizer := NewSimpleTokenizer()

	tests := []struct {
		name      string
		text      string
		minTokens int
		maxTokens int
	}{
		{"Empty", "", 1, 2},
		{"Short English", "Hello world", 2, 5},
		{"Long English", "This is a longer sentence with more words in it.", 10, 20},
		{"Chinese", "你好世界", 2, 5},
		{"Mixed", "Hello 你好 world 世界", 4, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := tokenizer.Count(tt.text)
			if count < tt.minTokens || count > tt.maxTokens {
				t.Errorf("Count(%q) = %d, want between %d and %d", tt.text, count, tt.minTokens, tt.maxTokens)
			}
		})
	}
}
