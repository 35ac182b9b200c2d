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
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/database"
	fakeinfra "github.com/migalsp/kubex-appswitch/internal/fake"
	"github.com/migalsp/kubex-appswitch/internal/lease"
	"github.com/migalsp/kubex-appswitch/internal/lifecycle"
	"github.com/migalsp/kubex-appswitch/internal/metrics"
	"github.com/migalsp/kubex-appswitch/internal/registry"
)

type busySwitcher struct{ calls int }

func (b *busySwitcher) Start(context.Context, lifecycle.Authorization, string) (*lifecycle.Outcome, error) {
	b.calls++
	return nil, lifecycle.ErrAlreadyInProgress
}

func (b *busySwitcher) Stop(context.Context, lifecycle.Authorization, string) (*lifecycle.Outcome, error) {
	b.calls++
	return nil, lifecycle.ErrAlreadyInProgress
}

var _ = Describe("Schedule Controller", func() {
	ctx := context.Background()
	// Monday 10:00 UTC
	monday := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	var (
		reg       *registry.Registry
		compute   *fakeinfra.Compute
		databases *fakeinfra.Databases
		recorder  *record.FakeRecorder
		r         *ScheduleReconciler
	)

	newSpec := func(name string) opsv1.ApplicationSpec {
		return opsv1.ApplicationSpec{
			AppName: name,
			ComputeGroups: []opsv1.ComputeGroupRef{
				{Name: name + "-web", Kind: opsv1.ComputeKindDeployment, Namespace: "shop"},
			},
			DatabaseRefs: []opsv1.DatabaseRef{
				{ID: name + "-db", Type: opsv1.DatabaseTypePostgres, Engine: opsv1.DatabaseEngineRDS},
			},
		}
	}

	register := func(spec opsv1.ApplicationSpec) reconcile.Request {
		_, err := reg.Upsert(ctx, spec)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			app, err := reg.Get(ctx, spec.AppName)
			Expect(err).NotTo(HaveOccurred())
			Expect(k8sClient.Delete(ctx, app)).To(Succeed())
		})
		return reconcile.Request{NamespacedName: types.NamespacedName{
			Namespace: operatorNamespace,
			Name:      registry.ObjectName(spec.AppName),
		}}
	}

	BeforeEach(func() {
		reg = registry.New(k8sClient, operatorNamespace)
		compute = fakeinfra.NewCompute()
		databases = fakeinfra.NewDatabases()
		recorder = record.NewFakeRecorder(10)
		switcher := &lifecycle.Controller{
			Registry:  reg,
			Compute:   compute,
			Databases: databases,
			Locker:    &lease.Locker{Client: k8sClient, Namespace: operatorNamespace, Duration: time.Minute},
			Metrics:   metrics.NewRecorder(nil),
			Options:   lifecycle.Options{DefaultRestoreSize: 1},
		}
		r = &ScheduleReconciler{
			Client:    k8sClient,
			Scheme:    k8sClient.Scheme(),
			Compute:   compute,
			Databases: databases,
			Switcher:  switcher,
			Recorder:  recorder,
			Now:       func() time.Time { return monday },
		}
	})

	It("stops a running app when the override says inactive", func() {
		spec := newSpec("override-off.example.com")
		spec.Active = ptr.To(false)
		req := register(spec)
		compute.Set("override-off.example.com-web", 2)
		databases.Set("rds/override-off.example.com-db", database.StateRunning)

		res, err := r.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RequeueAfter).To(Equal(time.Minute))

		Expect(compute.Desired("override-off.example.com-web")).To(BeEquivalentTo(0))
		Expect(databases.Get("rds/override-off.example.com-db")).To(Equal(database.StateStopped))
		Expect(recorder.Events).To(Receive(ContainSubstring("ScheduledStop")))

		app, err := reg.Get(ctx, spec.AppName)
		Expect(err).NotTo(HaveOccurred())
		Expect(app.Status.SavedScales).To(HaveKeyWithValue("override-off.example.com-web", BeEquivalentTo(2)))
		Expect(app.Status.LastOperation).NotTo(BeNil())
	})

	It("starts a stopped app inside its schedule window", func() {
		spec := newSpec("window.example.com")
		spec.Schedules = []opsv1.ScalingSchedule{{
			Days:      []int{1, 2, 3, 4, 5},
			StartTime: "08:00",
			EndTime:   "18:00",
			Timezone:  "UTC",
		}}
		req := register(spec)
		compute.Set("window.example.com-web", 0)
		databases.Set("rds/window.example.com-db", database.StateStopped)

		_, err := r.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		Expect(compute.Desired("window.example.com-web")).To(BeEquivalentTo(1))
		Expect(databases.Get("rds/window.example.com-db")).To(Equal(database.StateRunning))
		Expect(recorder.Events).To(Receive(ContainSubstring("ScheduledStart")))
	})

	It("leaves an app alone when it already matches the window", func() {
		spec := newSpec("matching.example.com")
		spec.Active = ptr.To(true)
		req := register(spec)
		compute.Set("matching.example.com-web", 2)

		res, err := r.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RequeueAfter).To(Equal(time.Minute))
		Expect(compute.Calls()).To(BeEmpty())
		Expect(recorder.Events).To(BeEmpty())
	})

	It("stops an app that only has databases", func() {
		spec := newSpec("db-only.example.com")
		spec.ComputeGroups = nil
		spec.Active = ptr.To(false)
		req := register(spec)
		databases.Set("rds/db-only.example.com-db", database.StateRunning)

		res, err := r.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RequeueAfter).To(Equal(time.Minute))
		Expect(databases.Get("rds/db-only.example.com-db")).To(Equal(database.StateStopped))
		Expect(recorder.Events).To(Receive(ContainSubstring("ScheduledStop")))

		// Stopped databases match the override, nothing more to do
		_, err = r.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(databases.Calls()).To(HaveLen(1))
	})

	It("does not repeat a clean stop while a shared database keeps running", func() {
		spec := newSpec("db-shared-a.example.com")
		spec.ComputeGroups = nil
		spec.DatabaseRefs[0].ID = "orders-db"
		spec.Active = ptr.To(false)
		req := register(spec)
		other := newSpec("db-shared-b.example.com")
		other.DatabaseRefs[0].ID = "orders-db"
		register(other)
		databases.Set("rds/orders-db", database.StateRunning)

		_, err := r.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(recorder.Events).To(Receive(ContainSubstring("ScheduledStop")))

		res, err := r.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RequeueAfter).To(Equal(time.Minute))
		Expect(recorder.Events).To(BeEmpty())
		Expect(databases.Calls()).To(BeEmpty())
		Expect(databases.Get("rds/orders-db")).To(Equal(database.StateRunning))
	})

	It("ignores apps without a schedule or override", func() {
		req := register(newSpec("unscheduled.example.com"))
		compute.Set("unscheduled.example.com-web", 0)

		res, err := r.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal(ctrl.Result{}))
		Expect(compute.Calls()).To(BeEmpty())
	})

	It("retries later when another operation holds the app", func() {
		spec := newSpec("busy.example.com")
		spec.Active = ptr.To(false)
		req := register(spec)
		compute.Set("busy.example.com-web", 2)
		busy := &busySwitcher{}
		r.Switcher = busy

		res, err := r.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RequeueAfter).To(Equal(30 * time.Second))
		Expect(busy.calls).To(Equal(1))
	})

	It("backs off after an unclean outcome", func() {
		spec := newSpec("unclean.example.com")
		spec.Active = ptr.To(false)
		req := register(spec)
		// Database state is unknown to the fake, so the toggle fails.
		compute.Set("unclean.example.com-web", 2)

		res, err := r.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RequeueAfter).To(Equal(5 * time.Minute))
		Expect(recorder.Events).To(Receive(HavePrefix("Warning ScheduledStop")))
	})
})
