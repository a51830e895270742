// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package locks

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	tbl := NewTable()
	key := Key("pve1", 101)

	if !tbl.Acquire(key) {
		t.Fatal("first acquire should succeed")
	}
	if tbl.Acquire(key) {
		t.Error("second acquire of a held key should fail")
	}

	tbl.Release(key)

	if !tbl.Acquire(key) {
		t.Error("acquire after release should succeed")
	}
}

func TestRelease_UnheldIsNoOp(t *testing.T) {
	tbl := NewTable()

	tbl.Release(Key("pve1", 101)) // must not panic or corrupt state

	if !tbl.Acquire(Key("pve1", 101)) {
		t.Error("acquire after spurious release should succeed")
	}
}

func TestKey_DistinctTargets(t *testing.T) {
	tbl := NewTable()

	if !tbl.Acquire(Key("pve1", 101)) {
		t.Fatal("acquire pve1/101 failed")
	}
	if !tbl.Acquire(Key("pve2", 101)) {
		t.Error("same vmid on a different node is a different resource")
	}
	if !tbl.Acquire(Key("pve1", 102)) {
		t.Error("different vmid on the same node is a different resource")
	}
}

// TestAcquire_Contention verifies the atomic test-and-set property: of N
// goroutines racing for the same key, exactly one wins.
func TestAcquire_Contention(t *testing.T) {
	tbl := NewTable()
	key := Key("pve1", 101)
	const racers = 64

	var wins int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if tbl.Acquire(key) {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins)
	}
}

func TestOnChange_TracksHeldCount(t *testing.T) {
	tbl := NewTable()
	var last int64
	tbl.OnChange = func(held int) { atomic.StoreInt64(&last, int64(held)) }

	tbl.Acquire(Key("pve1", 101))
	tbl.Acquire(Key("pve1", 102))
	if got := atomic.LoadInt64(&last); got != 2 {
		t.Errorf("expected held count 2, got %d", got)
	}

	tbl.Release(Key("pve1", 101))
	if got := atomic.LoadInt64(&last); got != 1 {
		t.Errorf("expected held count 1 after release, got %d", got)
	}
}
