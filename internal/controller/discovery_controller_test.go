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
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/registry"
	"github.com/migalsp/kubex-appswitch/internal/scaling"
)

var _ = Describe("Discovery Controller", func() {
	ctx := context.Background()

	ingress := func(name string, annotations map[string]string, hosts ...string) *networkingv1.Ingress {
		ing := &networkingv1.Ingress{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "shop", Annotations: annotations},
		}
		for _, h := range hosts {
			ing.Spec.Rules = append(ing.Spec.Rules, networkingv1.IngressRule{
				Host: h,
				IngressRuleValue: networkingv1.IngressRuleValue{HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{{
						Path:     "/",
						PathType: ptr.To(networkingv1.PathTypePrefix),
						Backend: networkingv1.IngressBackend{Service: &networkingv1.IngressServiceBackend{
							Name: "web", Port: networkingv1.ServiceBackendPort{Number: 80},
						}},
					}},
				}},
			})
		}
		return ing
	}

	reconciler := func() *DiscoveryReconciler {
		return &DiscoveryReconciler{
			Client:   k8sClient,
			Scheme:   k8sClient.Scheme(),
			Registry: registry.New(k8sClient, operatorNamespace),
			Engine:   &scaling.Engine{Workloads: &scaling.WorkloadScaler{Client: k8sClient}},
		}
	}

	cleanup := func(objs ...client.Object) {
		for _, o := range objs {
			_ = k8sClient.Delete(ctx, o)
		}
		apps := &opsv1.ApplicationList{}
		Expect(k8sClient.List(ctx, apps)).To(Succeed())
		for i := range apps.Items {
			Expect(k8sClient.Delete(ctx, &apps.Items[i])).To(Succeed())
		}
	}

	It("registers an application per host from annotations", func() {
		ing := ingress("annotated", map[string]string{
			ManagedAnnotation:       "true",
			ComputeGroupsAnnotation: "Nodegroup/main/shop-ng:2, Deployment/shop/api",
			DatabasesAnnotation:     "postgres:rds:shop-db, neo4j:statefulset:graph/neo4j",
		}, "shop.example.com", "admin.shop.example.com")
		Expect(k8sClient.Create(ctx, ing)).To(Succeed())
		defer cleanup(ing)

		_, err := reconciler().Reconcile(ctx, reconcile.Request{
			NamespacedName: types.NamespacedName{Name: "annotated", Namespace: "shop"},
		})
		Expect(err).NotTo(HaveOccurred())

		reg := registry.New(k8sClient, operatorNamespace)
		for _, host := range []string{"shop.example.com", "admin.shop.example.com"} {
			app, err := reg.Get(ctx, host)
			Expect(err).NotTo(HaveOccurred())
			Expect(app.Spec.ComputeGroups).To(HaveLen(2))
			Expect(app.Spec.ComputeGroups[0].Kind).To(Equal(opsv1.ComputeKindNodegroup))
			Expect(app.Spec.ComputeGroups[0].Cluster).To(Equal("main"))
			Expect(*app.Spec.ComputeGroups[0].DefaultSize).To(BeEquivalentTo(2))
			Expect(app.Spec.DatabaseRefs).To(ConsistOf(
				opsv1.DatabaseRef{ID: "shop-db", Type: opsv1.DatabaseTypePostgres, Engine: opsv1.DatabaseEngineRDS},
				opsv1.DatabaseRef{ID: "graph/neo4j", Type: opsv1.DatabaseTypeNeo4j, Engine: opsv1.DatabaseEngineStatefulSet},
			))
		}
	})

	It("resolves backend workloads through service selectors", func() {
		selector := map[string]string{"app": "web"}
		svc := &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "shop"},
			Spec:       corev1.ServiceSpec{Selector: selector},
		}
		dep := &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "shop"},
			Spec: appsv1.DeploymentSpec{
				Replicas: ptr.To[int32](3),
				Selector: &metav1.LabelSelector{MatchLabels: selector},
				Template: corev1.PodTemplateSpec{ObjectMeta: metav1.ObjectMeta{Labels: selector}},
			},
		}
		other := &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "worker", Namespace: "shop"},
			Spec: appsv1.DeploymentSpec{
				Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "worker"}},
				Template: corev1.PodTemplateSpec{ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "worker"}}},
			},
		}
		ing := ingress("plain", map[string]string{ManagedAnnotation: "true"}, "web.example.com")
		for _, o := range []client.Object{svc, dep, other, ing} {
			Expect(k8sClient.Create(ctx, o)).To(Succeed())
		}
		defer cleanup(svc, dep, other, ing)

		_, err := reconciler().Reconcile(ctx, reconcile.Request{
			NamespacedName: types.NamespacedName{Name: "plain", Namespace: "shop"},
		})
		Expect(err).NotTo(HaveOccurred())

		app, err := registry.New(k8sClient, operatorNamespace).Get(ctx, "web.example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(app.Spec.ComputeGroups).To(HaveLen(1))
		Expect(app.Spec.ComputeGroups[0].Name).To(Equal("web"))
		Expect(app.Spec.ComputeGroups[0].Kind).To(Equal(opsv1.ComputeKindDeployment))
		Expect(app.Spec.ComputeGroups[0].DesiredSize).To(BeEquivalentTo(3))
	})

	It("skips excluded hosts", func() {
		ing := ingress("excluded", map[string]string{
			ManagedAnnotation:       "true",
			ComputeGroupsAnnotation: "Deployment/shop/api",
		}, "shop.example.com", "staging-shop.example.com")
		Expect(k8sClient.Create(ctx, ing)).To(Succeed())
		defer cleanup(ing)

		r := reconciler()
		r.ExcludeHosts = []string{"staging-*"}
		_, err := r.Reconcile(ctx, reconcile.Request{
			NamespacedName: types.NamespacedName{Name: "excluded", Namespace: "shop"},
		})
		Expect(err).NotTo(HaveOccurred())

		apps := &opsv1.ApplicationList{}
		Expect(k8sClient.List(ctx, apps)).To(Succeed())
		Expect(apps.Items).To(HaveLen(1))
		Expect(apps.Items[0].Spec.AppName).To(Equal("shop.example.com"))
	})

	It("ignores ingresses that are not managed", func() {
		ing := ingress("unmanaged", nil, "other.example.com")
		Expect(k8sClient.Create(ctx, ing)).To(Succeed())
		defer cleanup(ing)

		_, err := reconciler().Reconcile(ctx, reconcile.Request{
			NamespacedName: types.NamespacedName{Name: "unmanaged", Namespace: "shop"},
		})
		Expect(err).NotTo(HaveOccurred())

		apps := &opsv1.ApplicationList{}
		Expect(k8sClient.List(ctx, apps)).To(Succeed())
		Expect(apps.Items).To(BeEmpty())
	})
})

func TestParseComputeGroups(t *testing.T) {
	g := NewWithT(t)

	groups, err := ParseComputeGroups("Deployment/shop/web, statefulset/shop/cache:3 ,Nodegroup/main/ng")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(groups).To(HaveLen(3))
	g.Expect(groups[0]).To(Equal(opsv1.ComputeGroupRef{Name: "web", Kind: opsv1.ComputeKindDeployment, Namespace: "shop"}))
	g.Expect(groups[1].Kind).To(Equal(opsv1.ComputeKindStatefulSet))
	g.Expect(*groups[1].DefaultSize).To(BeEquivalentTo(3))
	g.Expect(groups[2].Cluster).To(Equal("main"))

	empty, err := ParseComputeGroups("")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(empty).To(BeEmpty())

	for _, bad := range []string{"Deployment/web", "CronJob/shop/x", "Deployment/shop/web:0", "Deployment/a/web,Deployment/b/web"} {
		_, err := ParseComputeGroups(bad)
		g.Expect(err).To(HaveOccurred(), bad)
	}
}

func TestParseDatabases(t *testing.T) {
	g := NewWithT(t)

	dbs, err := ParseDatabases("postgres:rds:orders-db,Neo4j:StatefulSet:graph/neo4j")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dbs).To(Equal([]opsv1.DatabaseRef{
		{ID: "orders-db", Type: opsv1.DatabaseTypePostgres, Engine: opsv1.DatabaseEngineRDS},
		{ID: "graph/neo4j", Type: opsv1.DatabaseTypeNeo4j, Engine: opsv1.DatabaseEngineStatefulSet},
	}))

	for _, bad := range []string{"postgres:rds", "mysql:rds:x", "postgres:aurora:x", "postgres:rds:"} {
		_, err := ParseDatabases(bad)
		g.Expect(err).To(HaveOccurred(), bad)
	}
}
