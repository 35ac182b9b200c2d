package sharing

import (
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

func app(name string, refs ...opsv1.DatabaseRef) opsv1.Application {
	return opsv1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec:       opsv1.ApplicationSpec{AppName: name, DatabaseRefs: refs},
	}
}

func rds(id string) opsv1.DatabaseRef {
	return opsv1.DatabaseRef{ID: id, Type: opsv1.DatabaseTypePostgres, Engine: opsv1.DatabaseEngineRDS}
}

func TestDependents(t *testing.T) {
	snapshot := []opsv1.Application{
		app("app-a", rds("db-shared")),
		app("app-b", rds("db-shared"), rds("db-b")),
		app("solo-app", rds("db-1")),
		app("no-db"),
	}

	tests := []struct {
		name     string
		ref      opsv1.DatabaseRef
		apps     []string
		isShared bool
	}{
		{"shared", rds("db-shared"), []string{"app-a", "app-b"}, true},
		{"exclusive", rds("db-1"), []string{"solo-app"}, false},
		{"orphan", rds("db-gone"), []string{}, false},
		{"same id different engine", opsv1.DatabaseRef{ID: "db-shared", Engine: opsv1.DatabaseEngineStatefulSet}, []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Dependents(snapshot, tt.ref)
			if m.IsShared() != tt.isShared {
				t.Errorf("IsShared() = %v; want %v", m.IsShared(), tt.isShared)
			}
			if len(m.Apps) != len(tt.apps) {
				t.Fatalf("Apps = %v; want %v", m.Apps, tt.apps)
			}
			for i := range tt.apps {
				if m.Apps[i] != tt.apps[i] {
					t.Errorf("Apps = %v; want %v", m.Apps, tt.apps)
				}
			}
		})
	}
}

func TestDependentsIgnoresStaleSharedFlag(t *testing.T) {
	hinted := rds("db-1")
	hinted.Shared = true
	snapshot := []opsv1.Application{app("solo-app", hinted)}

	if Dependents(snapshot, hinted).IsShared() {
		t.Errorf("persisted shared hint must not make an exclusive instance shared")
	}
}

func TestDependentsCountsAppOnce(t *testing.T) {
	snapshot := []opsv1.Application{app("app-a", rds("db-x"), rds("db-x"))}
	m := Dependents(snapshot, rds("db-x"))
	if m.Count() != 1 || m.IsShared() {
		t.Errorf("duplicate refs within one app must count once, got %v", m.Apps)
	}
}

func TestDeletingAppStillCounts(t *testing.T) {
	deleting := app("app-b", rds("db-shared"))
	now := metav1.Now()
	deleting.DeletionTimestamp = &now
	snapshot := []opsv1.Application{app("app-a", rds("db-shared")), deleting}

	if m := Dependents(snapshot, rds("db-shared")); !m.IsShared() {
		t.Errorf("Dependents() = %v; a terminating record must keep the instance shared", m.Apps)
	}
	if m := Build(snapshot)["rds/db-shared"]; !m.IsShared() || !m.Ref.Shared {
		t.Errorf("Build() = %+v; want shared", m)
	}
}

func TestOthers(t *testing.T) {
	m := Membership{Apps: []string{"app-a", "app-b", "app-c"}}
	others := m.Others("app-b")
	if len(others) != 2 || others[0] != "app-a" || others[1] != "app-c" {
		t.Errorf("Others() = %v", others)
	}
}

func TestBuild(t *testing.T) {
	snapshot := []opsv1.Application{
		app("app-a", rds("db-shared")),
		app("app-b", rds("db-shared")),
		app("solo-app", rds("db-1")),
	}
	idx := Build(snapshot)
	if len(idx) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(idx))
	}
	if !idx["rds/db-shared"].IsShared() || !idx["rds/db-shared"].Ref.Shared {
		t.Errorf("db-shared should be shared")
	}
	if idx["rds/db-1"].IsShared() {
		t.Errorf("db-1 should be exclusive")
	}
	sorted := idx.Sorted()
	if sorted[0].Key != "rds/db-1" {
		t.Errorf("Sorted()[0] = %s", sorted[0].Key)
	}
}
