/*
Copyright 2026 migalsp.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/database"
	fakeinfra "github.com/migalsp/kubex-appswitch/internal/fake"
	"github.com/migalsp/kubex-appswitch/internal/registry"
)

var _ = Describe("Health Controller", func() {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	var (
		reg       *registry.Registry
		compute   *fakeinfra.Compute
		databases *fakeinfra.Databases
		r         *HealthReconciler
	)

	spec := opsv1.ApplicationSpec{
		AppName: "health.example.com",
		ComputeGroups: []opsv1.ComputeGroupRef{
			{Name: "web", Kind: opsv1.ComputeKindDeployment, Namespace: "shop"},
			{Name: "worker", Kind: opsv1.ComputeKindDeployment, Namespace: "shop"},
		},
		DatabaseRefs: []opsv1.DatabaseRef{
			{ID: "health-db", Type: opsv1.DatabaseTypePostgres, Engine: opsv1.DatabaseEngineRDS},
		},
	}
	dbKey := spec.DatabaseRefs[0].Key()

	BeforeEach(func() {
		reg = registry.New(k8sClient, operatorNamespace)
		_, err := reg.Upsert(ctx, spec)
		Expect(err).NotTo(HaveOccurred())

		compute = fakeinfra.NewCompute()
		databases = fakeinfra.NewDatabases()
		r = &HealthReconciler{
			Client:    k8sClient,
			Scheme:    k8sClient.Scheme(),
			Registry:  reg,
			Compute:   compute,
			Databases: databases,
			Interval:  30 * time.Second,
			Now:       func() time.Time { return now },
		}
	})

	AfterEach(func() {
		app, err := reg.Get(ctx, spec.AppName)
		Expect(err).NotTo(HaveOccurred())
		Expect(k8sClient.Delete(ctx, app)).To(Succeed())
	})

	reconcileHealth := func() *opsv1.Application {
		res, err := r.Reconcile(ctx, reconcile.Request{NamespacedName: types.NamespacedName{
			Namespace: operatorNamespace,
			Name:      registry.ObjectName(spec.AppName),
		}})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RequeueAfter).To(Equal(30 * time.Second))

		app, err := reg.Get(ctx, spec.AppName)
		Expect(err).NotTo(HaveOccurred())
		return app
	}

	It("reports UP when everything serves", func() {
		compute.Set("web", 2).Set("worker", 1)
		databases.Set(dbKey, database.StateRunning)

		app := reconcileHealth()
		Expect(app.Status.Health).To(Equal(opsv1.HealthUp))
		Expect(app.Status.HealthDetails).To(BeEmpty())
		Expect(app.Status.LastHealthCheck.Time.Equal(now)).To(BeTrue())
	})

	It("reports DOWN when no compute group serves", func() {
		compute.Set("web", 0).Set("worker", 0)
		databases.Set(dbKey, database.StateStopped)

		app := reconcileHealth()
		Expect(app.Status.Health).To(Equal(opsv1.HealthDown))
		Expect(app.Status.HealthDetails).To(ContainElement("compute group web is scaled to zero"))
		Expect(app.Status.HealthDetails).To(ContainElement("database health-db is stopped"))
	})

	It("reports DEGRADED when only part of the app serves", func() {
		compute.Set("web", 2).Set("worker", 0)
		databases.Set(dbKey, database.StateRunning)

		app := reconcileHealth()
		Expect(app.Status.Health).To(Equal(opsv1.HealthDegraded))
		Expect(app.Status.HealthDetails).To(ConsistOf("compute group worker is scaled to zero"))
	})

	It("reports DEGRADED when a database cannot be observed", func() {
		compute.Set("web", 2).Set("worker", 1)

		app := reconcileHealth()
		Expect(app.Status.Health).To(Equal(opsv1.HealthDegraded))
		Expect(app.Status.HealthDetails).To(ConsistOf(ContainSubstring("database health-db:")))
	})

	It("reports UNKNOWN when nothing can be observed", func() {
		app := reconcileHealth()
		Expect(app.Status.Health).To(Equal(opsv1.HealthUnknown))
		Expect(app.Status.HealthDetails).To(HaveLen(3))
	})
})
