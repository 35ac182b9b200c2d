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
	"fmt"
	"sort"
	"strconv"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/registry"
	"github.com/migalsp/kubex-appswitch/internal/scaling"
)

const (
	// ManagedAnnotation opts an Ingress into discovery.
	ManagedAnnotation = "kubex.io/managed"
	// ComputeGroupsAnnotation lists Kind/namespace-or-cluster/name[:default] entries.
	ComputeGroupsAnnotation = "kubex.io/compute-groups"
	// DatabasesAnnotation lists type:engine:id entries.
	DatabasesAnnotation = "kubex.io/databases"
)

// DiscoveryReconciler watches annotated Ingresses and registers one
// Application per host.
type DiscoveryReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Registry *registry.Registry
	// Engine, when set, fills in the observed size bounds of each group.
	Engine *scaling.Engine
	// ExcludeHosts are skipped, see scaling.IsExcluded.
	ExcludeHosts []string
}

// +kubebuilder:rbac:groups=networking.k8s.io,resources=ingresses,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=services,verbs=get;list;watch
// +kubebuilder:rbac:groups=apps,resources=deployments;statefulsets,verbs=get;list;watch
// +kubebuilder:rbac:groups=ops.kubex.io,resources=applications,verbs=get;list;watch;create;update;patch

func (r *DiscoveryReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	l := log.FromContext(ctx)

	var ing networkingv1.Ingress
	if err := r.Get(ctx, req.NamespacedName, &ing); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	if !isManaged(&ing) {
		return ctrl.Result{}, nil
	}

	groups, err := r.computeGroups(ctx, &ing)
	if err != nil {
		l.Error(err, "Invalid compute groups, skipping ingress")
		return ctrl.Result{}, nil
	}
	dbs, err := ParseDatabases(ing.Annotations[DatabasesAnnotation])
	if err != nil {
		l.Error(err, "Invalid databases annotation, skipping ingress")
		return ctrl.Result{}, nil
	}
	if r.Engine != nil {
		for i := range groups {
			if size, err := r.Engine.Describe(ctx, groups[i]); err == nil {
				groups[i].MinSize = size.Min
				groups[i].MaxSize = size.Max
				groups[i].DesiredSize = size.Desired
			}
		}
	}

	for _, host := range hosts(&ing) {
		if scaling.IsExcluded(host, r.ExcludeHosts) {
			l.V(1).Info("Skipping excluded host", "host", host)
			continue
		}
		spec := opsv1.ApplicationSpec{
			AppName:       host,
			ComputeGroups: groups,
			DatabaseRefs:  dbs,
		}
		if _, err := r.Registry.Upsert(ctx, spec); err != nil {
			return ctrl.Result{}, err
		}
		l.V(1).Info("Discovered application", "app", host, "computeGroups", len(groups), "databases", len(dbs))
	}
	return ctrl.Result{}, nil
}

func isManaged(ing *networkingv1.Ingress) bool {
	return ing.Annotations[ManagedAnnotation] == "true"
}

func hosts(ing *networkingv1.Ingress) []string {
	seen := map[string]bool{}
	var out []string
	for _, rule := range ing.Spec.Rules {
		if rule.Host == "" || seen[rule.Host] {
			continue
		}
		seen[rule.Host] = true
		out = append(out, rule.Host)
	}
	return out
}

// computeGroups uses the annotation when present, otherwise the workloads
// behind the ingress backends.
func (r *DiscoveryReconciler) computeGroups(ctx context.Context, ing *networkingv1.Ingress) ([]opsv1.ComputeGroupRef, error) {
	if v, ok := ing.Annotations[ComputeGroupsAnnotation]; ok {
		return ParseComputeGroups(v)
	}

	services := map[string]bool{}
	addBackend := func(b *networkingv1.IngressBackend) {
		if b != nil && b.Service != nil {
			services[b.Service.Name] = true
		}
	}
	addBackend(ing.Spec.DefaultBackend)
	for _, rule := range ing.Spec.Rules {
		if rule.HTTP == nil {
			continue
		}
		for _, p := range rule.HTTP.Paths {
			addBackend(&p.Backend)
		}
	}

	found := map[string]opsv1.ComputeGroupRef{}
	for name := range services {
		var svc corev1.Service
		if err := r.Get(ctx, client.ObjectKey{Namespace: ing.Namespace, Name: name}, &svc); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if len(svc.Spec.Selector) == 0 {
			continue
		}
		selector := labels.SelectorFromSet(svc.Spec.Selector)

		var deps appsv1.DeploymentList
		if err := r.List(ctx, &deps, client.InNamespace(ing.Namespace)); err != nil {
			return nil, err
		}
		for _, d := range deps.Items {
			if selector.Matches(labels.Set(d.Spec.Template.Labels)) {
				found["Deployment/"+d.Name] = opsv1.ComputeGroupRef{Name: d.Name, Kind: opsv1.ComputeKindDeployment, Namespace: d.Namespace}
			}
		}
		var stss appsv1.StatefulSetList
		if err := r.List(ctx, &stss, client.InNamespace(ing.Namespace)); err != nil {
			return nil, err
		}
		for _, s := range stss.Items {
			if selector.Matches(labels.Set(s.Spec.Template.Labels)) {
				found["StatefulSet/"+s.Name] = opsv1.ComputeGroupRef{Name: s.Name, Kind: opsv1.ComputeKindStatefulSet, Namespace: s.Namespace}
			}
		}
	}

	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]opsv1.ComputeGroupRef, 0, len(keys))
	for _, k := range keys {
		out = append(out, found[k])
	}
	return out, nil
}

// ParseComputeGroups parses "Kind/namespace/name[:default]" entries separated
// by commas. For node groups the middle segment is the EKS cluster name.
func ParseComputeGroups(v string) ([]opsv1.ComputeGroupRef, error) {
	var out []opsv1.ComputeGroupRef
	seen := map[string]bool{}
	for _, entry := range splitList(v) {
		ref, def, hasDefault := strings.Cut(entry, ":")
		parts := strings.Split(ref, "/")
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("compute group %q must be Kind/namespace/name", entry)
		}

		g := opsv1.ComputeGroupRef{Name: parts[2]}
		switch strings.ToLower(parts[0]) {
		case "deployment":
			g.Kind = opsv1.ComputeKindDeployment
			g.Namespace = parts[1]
		case "statefulset":
			g.Kind = opsv1.ComputeKindStatefulSet
			g.Namespace = parts[1]
		case "nodegroup":
			g.Kind = opsv1.ComputeKindNodegroup
			g.Cluster = parts[1]
		default:
			return nil, fmt.Errorf("compute group %q has unknown kind %q", entry, parts[0])
		}
		if hasDefault {
			n, err := strconv.ParseInt(def, 10, 32)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("compute group %q has invalid default size %q", entry, def)
			}
			size := int32(n)
			g.DefaultSize = &size
		}
		if seen[g.Name] {
			return nil, fmt.Errorf("compute group name %q is not unique", g.Name)
		}
		seen[g.Name] = true
		out = append(out, g)
	}
	return out, nil
}

// ParseDatabases parses "type:engine:id" entries separated by commas.
func ParseDatabases(v string) ([]opsv1.DatabaseRef, error) {
	var out []opsv1.DatabaseRef
	for _, entry := range splitList(v) {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[2] == "" {
			return nil, fmt.Errorf("database %q must be type:engine:id", entry)
		}
		ref := opsv1.DatabaseRef{
			Type:   opsv1.DatabaseType(strings.ToLower(parts[0])),
			Engine: opsv1.DatabaseEngine(strings.ToLower(parts[1])),
			ID:     parts[2],
		}
		switch ref.Type {
		case opsv1.DatabaseTypePostgres, opsv1.DatabaseTypeNeo4j:
		default:
			return nil, fmt.Errorf("database %q has unknown type %q", entry, parts[0])
		}
		switch ref.Engine {
		case opsv1.DatabaseEngineRDS, opsv1.DatabaseEngineStatefulSet:
		default:
			return nil, fmt.Errorf("database %q has unknown engine %q", entry, parts[1])
		}
		out = append(out, ref)
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (r *DiscoveryReconciler) SetupWithManager(mgr ctrl.Manager) error {
	managed := predicate.NewPredicateFuncs(func(obj client.Object) bool {
		return obj.GetAnnotations()[ManagedAnnotation] == "true"
	})
	return ctrl.NewControllerManagedBy(mgr).
		For(&networkingv1.Ingress{}, builder.WithPredicates(managed)).
		Named("discovery").
		Complete(r)
}
