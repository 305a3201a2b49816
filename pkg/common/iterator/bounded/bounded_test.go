package bounded

import (
	"sort"
	"testing"
)

// mockIterator is a simple in-memory iterator for testing
type mockIterator struct {
	data map[string]string
	keys []string
	pos  int
}

func newMockIterator(data map[string]string) *mockIterator {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &mockIterator{data: data, keys: keys, pos: -1}
}

func (m *mockIterator) SeekToFirst() { m.pos = 0 }

func (m *mockIterator) Seek(target []byte) bool {
	m.pos = sort.SearchStrings(m.keys, string(target))
	return m.Valid()
}

func (m *mockIterator) Next() bool {
	if m.pos < len(m.keys) {
		m.pos++
	}
	return m.Valid()
}

func (m *mockIterator) Key() []byte {
	if !m.Valid() {
		return nil
	}
	return []byte(m.keys[m.pos])
}

func (m *mockIterator) Value() []byte {
	if !m.Valid() {
		return nil
	}
	return []byte(m.data[m.keys[m.pos]])
}

func (m *mockIterator) Valid() bool  { return m.pos >= 0 && m.pos < len(m.keys) }
func (m *mockIterator) Err() error   { return nil }
func (m *mockIterator) Close() error { return nil }

func collect(it *BoundedIterator) []string {
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	return keys
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var testData = map[string]string{
	"a": "1",
	"b": "2",
	"c": "3",
	"d": "4",
	"e": "5",
}

func TestBoundedIterator_NoBounds(t *testing.T) {
	it := NewBoundedIterator(newMockIterator(testData), nil, nil)

	got := collect(it)
	if want := []string{"a", "b", "c", "d", "e"}; !equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if it.Next() {
		t.Error("Expected Next() to return false after all elements")
	}
}

func TestBoundedIterator_WithBounds(t *testing.T) {
	// Range b to d (inclusive b, exclusive d)
	it := NewBoundedIterator(newMockIterator(testData), []byte("b"), []byte("d"))

	got := collect(it)
	if want := []string{"b", "c"}; !equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if it.Valid() || it.Key() != nil || it.Value() != nil {
		t.Error("Iterator should be exhausted after the end bound")
	}

	it.SeekToFirst()
	if !it.Valid() || string(it.Key()) != "b" || string(it.Value()) != "2" {
		t.Errorf("Expected b=2 after SeekToFirst, got %s=%s", it.Key(), it.Value())
	}
}

func TestBoundedIterator_Seek(t *testing.T) {
	it := NewBoundedIterator(newMockIterator(testData), []byte("b"), []byte("d"))

	tests := []struct {
		target      string
		expectValid bool
		expectKey   string
	}{
		{"a", true, "b"},  // Before range, should go to start bound
		{"b", true, "b"},  // At range start
		{"bc", true, "c"}, // Between b and c
		{"c", true, "c"},  // Within range
		{"d", false, ""},  // At range end (exclusive)
		{"e", false, ""},  // After range
	}

	for i, test := range tests {
		found := it.Seek([]byte(test.target))
		if found != test.expectValid {
			t.Errorf("Test %d: Seek(%s) returned %v, expected %v", i, test.target, found, test.expectValid)
		}
		if test.expectValid && string(it.Key()) != test.expectKey {
			t.Errorf("Test %d: Seek(%s) key is '%s', expected '%s'", i, test.target, it.Key(), test.expectKey)
		}
	}
}

func TestPrefixIterator(t *testing.T) {
	data := map[string]string{
		"order":      "x",
		"order_key":  "1",
		"order_key2": "2",
		"order_kez":  "3",
		"orders":     "4",
		"\xff\xff":   "5",
	}

	got := collect(NewPrefixIterator(newMockIterator(data), []byte("order_key")))
	if want := []string{"order_key", "order_key2"}; !equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	got = collect(NewPrefixIterator(newMockIterator(data), []byte("\xff")))
	if want := []string{"\xff\xff"}; !equal(got, want) {
		t.Errorf("Expected %q, got %q", want, got)
	}

	if got = collect(NewPrefixIterator(newMockIterator(data), nil)); len(got) != len(data) {
		t.Errorf("Empty prefix should match all %d keys, got %d", len(data), len(got))
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
		isNil  bool
	}{
		{"abc", "abd", false},
		{"ab\xff", "ac", false},
		{"\xff\xff", "", true},
	}
	for _, test := range tests {
		got := PrefixEnd([]byte(test.prefix))
		if test.isNil {
			if got != nil {
				t.Errorf("PrefixEnd(%q) = %q, expected nil", test.prefix, got)
			}
			continue
		}
		if string(got) != test.want {
			t.Errorf("PrefixEnd(%q) = %q, expected %q", test.prefix, got, test.want)
		}
	}
}
