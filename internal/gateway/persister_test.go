package gateway

import (
	"errors"
	"testing"
)

func TestPersisterRunsJobsInOrder(t *testing.T) {
	p := NewPersister(4)
	var order []string
	p.Submit("a", func() error { order = append(order, "a"); return nil })
	p.Submit("b", func() error { order = append(order, "b"); return errors.New("disk full") })
	p.Submit("c", func() error { order = append(order, "c"); return nil })
	p.Start()
	p.Close()

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("order = %v", order)
	}
}

func TestPersisterDropsWhenFull(t *testing.T) {
	p := NewPersister(1)
	if !p.Submit("first", func() error { return nil }) {
		t.Fatalf("first submit should fit")
	}
	if p.Submit("second", func() error { return nil }) {
		t.Errorf("second submit should be dropped while the worker is not running")
	}
	p.Start()
	p.Close()
	p.Close()
}
