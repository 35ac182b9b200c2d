package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

func buildRegistry() *Registry {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(opsv1.AddToScheme(scheme))

	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&opsv1.Application{}).
		Build()
	return New(c, "kubex")
}

func TestObjectName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"solo-app", "solo-app"},
		{"Shop.Example.com", "shop-example-com"},
		{"  api_v2.internal ", "api-v2-internal"},
		{"--edge--", "edge"},
	}

	for _, tt := range tests {
		if actual := ObjectName(tt.input); actual != tt.expected {
			t.Errorf("ObjectName(%q) = %q; want %q", tt.input, actual, tt.expected)
		}
	}
}

func TestUpsertAndGet(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	r := buildRegistry()

	_, err := r.Upsert(ctx, opsv1.ApplicationSpec{
		AppName: "shop.example.com",
		ComputeGroups: []opsv1.ComputeGroupRef{
			{Name: "web", Kind: opsv1.ComputeKindDeployment, Namespace: "shop"},
		},
	})
	g.Expect(err).NotTo(HaveOccurred())

	app, err := r.Get(ctx, "shop.example.com")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(app.Name).To(Equal("shop-example-com"))
	g.Expect(app.Spec.ComputeGroups).To(HaveLen(1))

	// Second upsert replaces the spec but keeps user owned schedule fields
	_, err = r.UpdateSchedule(ctx, "shop.example.com", []opsv1.ScalingSchedule{{Days: []int{1}, StartTime: "08:00", EndTime: "18:00"}}, ptr.To(true))
	g.Expect(err).NotTo(HaveOccurred())

	_, err = r.Upsert(ctx, opsv1.ApplicationSpec{
		AppName:      "shop.example.com",
		DatabaseRefs: []opsv1.DatabaseRef{{ID: "shop-db", Type: opsv1.DatabaseTypePostgres, Engine: opsv1.DatabaseEngineRDS}},
	})
	g.Expect(err).NotTo(HaveOccurred())

	app, err = r.Get(ctx, "shop.example.com")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(app.Spec.ComputeGroups).To(BeEmpty())
	g.Expect(app.Spec.DatabaseRefs).To(HaveLen(1))
	g.Expect(app.Spec.Schedules).To(HaveLen(1))
	g.Expect(app.Spec.Active).To(HaveValue(BeTrue()))
}

func TestUpsertCollidingNames(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	r := buildRegistry()
	shared := opsv1.DatabaseRef{ID: "db-shared", Type: opsv1.DatabaseTypePostgres, Engine: opsv1.DatabaseEngineRDS}

	for _, host := range []string{"shop.example.com", "shop-example.com"} {
		_, err := r.Upsert(ctx, opsv1.ApplicationSpec{AppName: host, DatabaseRefs: []opsv1.DatabaseRef{shared}})
		g.Expect(err).NotTo(HaveOccurred())
	}
	// Upserting again resolves to the same records
	_, err := r.Upsert(ctx, opsv1.ApplicationSpec{AppName: "shop-example.com", DatabaseRefs: []opsv1.DatabaseRef{shared}})
	g.Expect(err).NotTo(HaveOccurred())

	apps, err := r.Snapshot(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(apps).To(HaveLen(2))

	first, err := r.Get(ctx, "shop.example.com")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(first.Name).To(Equal("shop-example-com"))
	second, err := r.Get(ctx, "shop-example.com")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(second.Name).To(Equal(hashedName("shop-example.com")))
	g.Expect(second.Spec.AppName).To(Equal("shop-example.com"))
}

func TestHashedName(t *testing.T) {
	g := NewWithT(t)
	long := strings.Repeat("a", 80) + ".example.com"

	g.Expect(hashedName(long)).To(HaveLen(63))
	g.Expect(hashedName("shop.example.com")).To(HavePrefix("shop-example-com-"))
	g.Expect(hashedName("shop.example.com")).NotTo(Equal(hashedName("shop-example.com")))
	g.Expect(hashedName("...")).To(HavePrefix("app-"))
}

func TestGetNotFound(t *testing.T) {
	r := buildRegistry()
	_, err := r.Get(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusPatchesAreFieldLevel(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	r := buildRegistry()

	_, err := r.Upsert(ctx, opsv1.ApplicationSpec{AppName: "solo-app"})
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(r.SaveScales(ctx, "solo-app", map[string]int32{"solo-ng": 2}, map[string]int32{"solo-ng": 1})).To(Succeed())
	g.Expect(r.PatchHealth(ctx, "solo-app", opsv1.HealthUp, nil, time.Now())).To(Succeed())
	g.Expect(r.RecordOperation(ctx, "solo-app", opsv1.OperationSummary{ID: "op-1", Action: "stop", OverallStatus: "SUCCEEDED"})).To(Succeed())
	g.Expect(r.SaveScales(ctx, "solo-app", map[string]int32{"worker": 3}, nil)).To(Succeed())

	app, err := r.Get(ctx, "solo-app")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(app.Status.SavedScales).To(Equal(map[string]int32{"solo-ng": 2, "worker": 3}))
	g.Expect(app.Status.SavedMinSizes).To(Equal(map[string]int32{"solo-ng": 1}))
	g.Expect(app.Status.Health).To(Equal(opsv1.HealthUp))
	g.Expect(app.Status.LastOperation).NotTo(BeNil())
	g.Expect(app.Status.LastOperation.ID).To(Equal("op-1"))
}
