package cloud

import "testing"

func TestAddMemberIsSetUnion(t *testing.T) {
	p := &Policy{Bindings: []Binding{{Role: "roles/run.admin", Members: []string{"user:owner@example.com"}}}}
	member := ServiceAccountMember(ServiceAccountEmail("web-deployer", "proj"))

	if !p.AddMember("roles/run.admin", member) {
		t.Fatalf("expected first add to change policy")
	}
	if p.AddMember("roles/run.admin", member) {
		t.Fatalf("expected duplicate add to be a no-op")
	}
	if len(p.Bindings[0].Members) != 2 {
		t.Fatalf("expected 2 members, got %v", p.Bindings[0].Members)
	}
	if !p.AddMember("roles/storage.admin", member) {
		t.Fatalf("expected new binding to be created")
	}
	if len(p.Bindings) != 2 || !p.HasMember("roles/storage.admin", member) {
		t.Fatalf("unexpected bindings %+v", p.Bindings)
	}
}

func TestServiceAccountEmail(t *testing.T) {
	if got := ServiceAccountEmail("web-deployer", "my-proj"); got != "web-deployer@my-proj.iam.gserviceaccount.com" {
		t.Fatalf("unexpected email %s", got)
	}
}

func TestAddMemberSkipsConditionalBinding(t *testing.T) {
	p := &Policy{Bindings: []Binding{{
		Role:      "roles/run.admin",
		Members:   []string{"user:a@example.com"},
		Condition: &Condition{Expression: "request.time < timestamp('2030-01-01T00:00:00Z')"},
	}}}
	if !p.AddMember("roles/run.admin", "serviceAccount:sa@p.iam.gserviceaccount.com") {
		t.Fatalf("expected add to change policy")
	}
	if len(p.Bindings) != 2 {
		t.Fatalf("expected a separate unconditional binding, got %+v", p.Bindings)
	}
	if len(p.Bindings[0].Members) != 1 {
		t.Fatalf("conditional binding must not be extended: %+v", p.Bindings[0])
	}
}
