package hook

import "testing"

func TestRegisterUnregisterNoOp(t *testing.T) {
	h := New[int]()
	called := false
	id := h.Register("evt", func(owner int, data any) { called = true })
	h.Unregister(id)
	h.Trigger(0, "evt", nil)
	if called {
		t.Fatal("unregistered hook should not fire")
	}
}

func TestGlobalFiresBeforeNamed(t *testing.T) {
	h := New[int]()
	var order []string
	h.RegisterGlobal(func(owner int, name string, data any) bool {
		order = append(order, "global")
		return true
	})
	h.Register("evt", func(owner int, data any) {
		order = append(order, "named")
	})
	h.Trigger(0, "evt", nil)
	if len(order) != 2 || order[0] != "global" || order[1] != "named" {
		t.Fatalf("unexpected dispatch order: %v", order)
	}
}

func TestGlobalVetoAbortsNamed(t *testing.T) {
	h := New[int]()
	namedFired := false
	h.RegisterGlobal(func(owner int, name string, data any) bool { return false })
	h.Register("evt", func(owner int, data any) { namedFired = true })
	h.Trigger(0, "evt", nil)
	if namedFired {
		t.Fatal("named hook fired despite global veto")
	}
}

func TestRegistrationOrderPreserved(t *testing.T) {
	h := New[int]()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		h.Register("evt", func(owner int, data any) { order = append(order, i) })
	}
	h.Trigger(0, "evt", nil)
	for i, v := range order {
		if v != i {
			t.Fatalf("hooks fired out of registration order: %v", order)
		}
	}
}

func TestCallbackPanicSwallowed(t *testing.T) {
	h := New[int]()
	second := false
	h.Register("evt", func(owner int, data any) { panic("boom") })
	h.Register("evt", func(owner int, data any) { second = true })
	h.Trigger(0, "evt", nil) // must not panic the test
	if !second {
		t.Fatal("panic in first callback should not stop remaining callbacks")
	}
}

func TestUnregisterDuringDispatch(t *testing.T) {
	h := New[int]()
	var secondID uint64
	h.Register("evt", func(owner int, data any) {
		h.Unregister(secondID) // tolerated: snapshot already taken
	})
	secondID = h.Register("evt", func(owner int, data any) {})
	h.Trigger(0, "evt", nil) // must not deadlock or panic
}

func TestRegisterDuringDispatchNotCalledThisRound(t *testing.T) {
	h := New[int]()
	extraFired := false
	h.Register("evt", func(owner int, data any) {
		h.Register("evt", func(owner int, data any) { extraFired = true })
	})
	h.Trigger(0, "evt", nil)
	if extraFired {
		t.Fatal("hook registered mid-dispatch should not fire in the same Trigger call")
	}
	extraFired = false
	h.Trigger(0, "evt", nil)
	if !extraFired {
		t.Fatal("hook registered in a prior round should fire on the next Trigger call")
	}
}
