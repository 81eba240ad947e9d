package xattrset

import "testing"

func TestAddDedupes(t *testing.T) {
	tab := NewTable()
	a, err := tab.Add([]Entry{{Namespace: 0, Name: "comment", Value: []byte("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := tab.Add([]Entry{{Namespace: 0, Name: "comment", Value: []byte("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("identical sets got different ids: %d != %d", a, b)
	}
	if tab.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tab.Len())
	}
}

func TestAddOrderIndependent(t *testing.T) {
	tab := NewTable()
	a, err := tab.Add([]Entry{
		{Namespace: 0, Name: "b", Value: []byte("2")},
		{Namespace: 0, Name: "a", Value: []byte("1")},
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := tab.Add([]Entry{
		{Namespace: 0, Name: "a", Value: []byte("1")},
		{Namespace: 0, Name: "b", Value: []byte("2")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("set insertion order should not affect identity")
	}
}

func TestAddDistinctValue(t *testing.T) {
	tab := NewTable()
	a, err := tab.Add([]Entry{{Namespace: 0, Name: "comment", Value: []byte("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := tab.Add([]Entry{{Namespace: 0, Name: "comment", Value: []byte("bye")}})
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("different values should get different ids")
	}
}

func TestAddRejectsDuplicateName(t *testing.T) {
	tab := NewTable()
	_, err := tab.Add([]Entry{
		{Namespace: 0, Name: "comment", Value: []byte("first")},
		{Namespace: 0, Name: "comment", Value: []byte("second")},
	})
	if err == nil {
		t.Fatal("expected an error for a set naming the same attribute twice")
	}
}
