package genmsg

import "testing"

func TestMethodBuildsCallWithSignature(t *testing.T) {
	g := New("/org/example/Thing", "org.example.Thing")
	m, err := g.Method("DoStuff", "si")("hello", int32(7))
	if err != nil {
		t.Fatalf("Method call: %v", err)
	}
	if m.Header.Path != "/org/example/Thing" || m.Header.Interface != "org.example.Thing" || m.Header.Member != "DoStuff" {
		t.Errorf("unexpected header: %+v", m.Header)
	}
	if m.Header.Signature != "si" {
		t.Errorf("Signature = %q, want si", m.Header.Signature)
	}
	if len(m.Body) != 2 || m.Body[0] != "hello" || m.Body[1] != int32(7) {
		t.Errorf("unexpected body: %+v", m.Body)
	}
}

func TestMethodRejectsArityMismatch(t *testing.T) {
	g := New("/org/example/Thing", "org.example.Thing")
	if _, err := g.Method("DoStuff", "si")("only one arg"); err == nil {
		t.Error("Method call with wrong arity succeeded")
	}
}

func TestWithDestinationIsImmutable(t *testing.T) {
	base := New("/org/example/Thing", "org.example.Thing")
	withDest := base.WithDestination("org.example.Service")
	if base.Destination != "" {
		t.Errorf("New's Destination mutated to %q", base.Destination)
	}
	if withDest.Destination != "org.example.Service" {
		t.Errorf("WithDestination Destination = %q, want org.example.Service", withDest.Destination)
	}
}

func TestPropertiesGenerator(t *testing.T) {
	p := Properties("/org/example/Thing")
	m, err := p.Get("org.example.Thing", "Count")
	if err != nil {
		t.Fatal(err)
	}
	if m.Header.Interface != IfaceProperties || m.Header.Member != "Get" || m.Header.Signature != "ss" {
		t.Errorf("unexpected Get header: %+v", m.Header)
	}

	if _, err := p.GetAll("org.example.Thing"); err != nil {
		t.Fatal(err)
	}
}

func TestIntrospectableAndPeerGenerators(t *testing.T) {
	if m, err := Introspectable("/org/example/Thing").Introspect(); err != nil || m.Header.Member != "Introspect" {
		t.Errorf("Introspect: m=%+v err=%v", m, err)
	}
	if m, err := Peer("/org/example/Thing").Ping(); err != nil || m.Header.Member != "Ping" {
		t.Errorf("Ping: m=%+v err=%v", m, err)
	}
	if m, err := Peer("/org/example/Thing").GetMachineID(); err != nil || m.Header.Member != "GetMachineId" {
		t.Errorf("GetMachineID: m=%+v err=%v", m, err)
	}
}

func TestBusGeneratorMethods(t *testing.T) {
	m, err := Hello()
	if err != nil {
		t.Fatal(err)
	}
	if m.Header.Destination != IfaceBus || m.Header.Path != busPath || m.Header.Member != "Hello" {
		t.Errorf("Hello header: %+v", m.Header)
	}

	if _, err := AddMatch("type='signal'"); err != nil {
		t.Fatal(err)
	}
	if _, err := RemoveMatch("type='signal'"); err != nil {
		t.Fatal(err)
	}
	if _, err := RequestName("org.example.Service", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := ReleaseName("org.example.Service"); err != nil {
		t.Fatal(err)
	}
	if _, err := ListNames(); err != nil {
		t.Fatal(err)
	}
	if _, err := GetNameOwner("org.example.Service"); err != nil {
		t.Fatal(err)
	}
}

func TestMatchRuleString(t *testing.T) {
	r := MatchRule{
		Type:      "signal",
		Interface: "org.example.Thing",
		Member:    "Changed",
		Path:      "/org/example/Thing",
	}
	want := "type='signal',interface='org.example.Thing',member='Changed',path='/org/example/Thing'"
	if got := r.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestMatchRuleEavesdrop(t *testing.T) {
	r := MatchRule{Type: "method_call", Eavesdrop: true}
	want := "type='method_call',eavesdrop='true'"
	if got := r.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestMatchRuleEmpty(t *testing.T) {
	if got := (MatchRule{}).String(); got != "" {
		t.Errorf("empty MatchRule.String() = %q, want empty", got)
	}
}
