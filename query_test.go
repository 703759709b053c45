package lattice

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/synrix/lattice/node"
)

func TestPrefixQueryPopulation(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "q.lattice"), 2048)
	defer lt.Close()

	var alpha []node.ID
	for i := 0; i < 1000; i++ {
		var name string
		if i < 300 {
			name = fmt.Sprintf("ALPHA_%d", i)
		} else {
			name = fmt.Sprintf("BETA:%d", i)
		}
		id, err := lt.Add(node.TypeLearning, name, "x", 0)
		if err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
		if i < 300 {
			alpha = append(alpha, id)
		}
	}

	got := lt.FindByPrefix("ALPHA_", 10000)
	if len(got) != 300 {
		t.Fatalf("ALPHA_ results = %d, want 300", len(got))
	}
	seen := make(map[node.ID]bool, len(got))
	for _, id := range got {
		seen[id] = true
	}
	for _, id := range alpha {
		if !seen[id] {
			t.Fatalf("id %d missing from prefix results", id)
		}
	}
	if n := len(lt.FindByPrefix("BETA:", 10000)); n != 700 {
		t.Errorf("BETA: results = %d, want 700", n)
	}
	if n := len(lt.FindByPrefix("GAMMA_", 10000)); n != 0 {
		t.Errorf("GAMMA_ results = %d, want 0", n)
	}

	// Demote every even ALPHA node; the confidence floor must hide them.
	for i, id := range alpha {
		if i%2 == 0 {
			if err := lt.SetConfidence(id, 0.3); err != nil {
				t.Fatalf("SetConfidence failed: %v", err)
			}
		}
	}
	filtered := lt.FindByPrefixFiltered("ALPHA_", 0, Filter{MinConfidence: 0.5})
	if len(filtered) != 150 {
		t.Fatalf("filtered results = %d, want 150", len(filtered))
	}
	for _, id := range filtered {
		n, err := lt.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if n.Confidence < 0.5 {
			t.Errorf("id %d confidence %v below floor", id, n.Confidence)
		}
	}
}

func TestPrefixQueryLimit(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "lim.lattice"), 64)
	defer lt.Close()

	for i := 0; i < 20; i++ {
		if _, err := lt.Add(node.TypeLearning, fmt.Sprintf("LIM_%d", i), "x", 0); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if n := len(lt.FindByPrefix("LIM_", 5)); n != 5 {
		t.Errorf("limited results = %d, want 5", n)
	}
}

func TestTimestampWindowFilter(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "ts.lattice"), 64)
	defer lt.Close()

	var ids []node.ID
	for i := 0; i < 10; i++ {
		id, err := lt.Add(node.TypeLearning, fmt.Sprintf("TS_%d", i), "x", 0)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		ids = append(ids, id)
	}
	// Window around the middle nodes' stamps.
	n3, _ := lt.Get(ids[3])
	n6, _ := lt.Get(ids[6])

	got := lt.FindByPrefixFiltered("TS_", 0, Filter{Since: n3.Timestamp, Until: n6.Timestamp})
	if len(got) < 1 || len(got) > 10 {
		t.Fatalf("window results = %d", len(got))
	}
	for _, id := range got {
		n, _ := lt.Get(id)
		if n.Timestamp < n3.Timestamp || n.Timestamp > n6.Timestamp {
			t.Errorf("id %d timestamp %d outside window [%d,%d]", id, n.Timestamp, n3.Timestamp, n6.Timestamp)
		}
	}
}

func TestFindAfterDelete(t *testing.T) {
	lt := openTest(t, filepath.Join(t.TempDir(), "fd.lattice"), 64)
	defer lt.Close()

	a, _ := lt.Add(node.TypeLearning, "FD_a", "x", 0)
	b, _ := lt.Add(node.TypeLearning, "FD_b", "x", 0)
	if err := lt.Delete(a); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got := lt.FindByPrefix("FD_", 0)
	if len(got) != 1 || got[0] != b {
		t.Errorf("results = %v, want [%d]", got, b)
	}
}
