package cost

import (
	"context"
	"errors"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/config"
	"github.com/migalsp/kubex-appswitch/internal/database"
	"github.com/migalsp/kubex-appswitch/internal/scaling"
)

const hoursPerWeek = 168

// GroupCost is the hourly cost of one compute group.
type GroupCost struct {
	Group string            `json:"group"`
	Kind  opsv1.ComputeKind `json:"kind"`
	// Units is the number of nodes or replicas billed while running.
	Units   int32   `json:"units"`
	Current int32   `json:"current"`
	Hourly  float64 `json:"hourly"`
}

// DatabaseCost is the hourly cost of one database instance.
type DatabaseCost struct {
	ID      string             `json:"id"`
	Type    opsv1.DatabaseType `json:"type"`
	State   database.State     `json:"state"`
	Hourly  float64            `json:"hourly"`
	Running bool               `json:"running"`
}

// Usage is live resource usage of the app's workloads.
type Usage struct {
	Pods          int      `json:"pods"`
	CPU           string   `json:"cpu"`
	Memory        string   `json:"memory"`
	CPURequests   string   `json:"cpuRequests"`
	MemoryRequest string   `json:"memoryRequests"`
	Insights      []string `json:"insights,omitempty"`
}

// Estimate is the cost breakdown of one application.
type Estimate struct {
	AppName string `json:"appName"`
	// HourlyRunning is the cost per hour with every resource running.
	HourlyRunning float64 `json:"hourlyRunning"`
	// HourlyCurrent is the cost per hour at the observed sizes.
	HourlyCurrent      float64        `json:"hourlyCurrent"`
	ActiveHoursPerWeek float64        `json:"activeHoursPerWeek"`
	WeeklyAlwaysOn     float64        `json:"weeklyAlwaysOn"`
	WeeklyScheduled    float64        `json:"weeklyScheduled"`
	WeeklySavings      float64        `json:"weeklySavings"`
	Compute            []GroupCost    `json:"compute"`
	Databases          []DatabaseCost `json:"databases"`
	Usage              *Usage         `json:"usage,omitempty"`
}

// Estimator prices applications from configured hourly rates. Shared
// databases are billed to every app referencing them.
type Estimator struct {
	Compute   scaling.Scaler
	Databases database.Toggler
	Rates     config.CostConfig
	// Client and Metrics are optional; without them no usage is reported.
	Client  client.Client
	Metrics metricsv.Interface
}

// Estimate prices app. Sub-resources that cannot be observed are priced as
// running and left out of the current cost.
func (e *Estimator) Estimate(ctx context.Context, app *opsv1.Application) (*Estimate, error) {
	if app == nil {
		return nil, errors.New("application is required")
	}
	l := logf.FromContext(ctx).WithValues("app", app.Spec.AppName)

	est := &Estimate{
		AppName:   app.Spec.AppName,
		Compute:   make([]GroupCost, 0, len(app.Spec.ComputeGroups)),
		Databases: make([]DatabaseCost, 0, len(app.Spec.DatabaseRefs)),
	}

	for _, g := range app.Spec.ComputeGroups {
		gc := GroupCost{Group: g.Name, Kind: g.Kind}
		rate := e.Rates.ReplicaHourly
		if g.Kind == opsv1.ComputeKindNodegroup {
			rate = e.Rates.NodeHourly
		}
		size, err := e.Compute.Describe(ctx, g)
		if err != nil {
			l.V(1).Info("Cannot observe compute group", "group", g.Name, "error", err.Error())
		} else {
			gc.Current = size.Desired
		}
		gc.Units = runningUnits(g, gc.Current, app.Status.SavedScales)
		gc.Hourly = float64(gc.Units) * rate
		est.HourlyRunning += gc.Hourly
		est.HourlyCurrent += float64(gc.Current) * rate
		est.Compute = append(est.Compute, gc)
	}

	seen := map[string]bool{}
	for _, ref := range app.Spec.DatabaseRefs {
		if seen[ref.Key()] {
			continue
		}
		seen[ref.Key()] = true

		dc := DatabaseCost{ID: ref.ID, Type: ref.Type, Hourly: e.Rates.DatabaseHourly[string(ref.Type)]}
		state, err := e.Databases.State(ctx, ref)
		if err != nil {
			l.V(1).Info("Cannot observe database", "database", ref.Key(), "error", err.Error())
			state = database.StateUnknown
		}
		dc.State = state
		dc.Running = state == database.StateRunning || state == database.StateStarting
		est.HourlyRunning += dc.Hourly
		if dc.Running {
			est.HourlyCurrent += dc.Hourly
		}
		est.Databases = append(est.Databases, dc)
	}

	est.ActiveHoursPerWeek = scaling.ActiveHoursPerWeek(app.Spec.Schedules)
	est.WeeklyAlwaysOn = est.HourlyRunning * hoursPerWeek
	est.WeeklyScheduled = est.HourlyRunning * est.ActiveHoursPerWeek
	est.WeeklySavings = est.WeeklyAlwaysOn - est.WeeklyScheduled

	if e.Client != nil && e.Metrics != nil {
		usage, err := e.usage(ctx, app)
		if err != nil {
			// Soft fail, the metrics API is often missing
			l.Info("Unable to fetch usage", "error", err.Error())
		} else {
			est.Usage = usage
		}
	}
	return est, nil
}

// runningUnits is the size the group has while the app runs: the current
// size when up, otherwise the size it would be restored to.
func runningUnits(g opsv1.ComputeGroupRef, current int32, saved map[string]int32) int32 {
	if current > 0 {
		return current
	}
	if n, ok := saved[g.Name]; ok && n > 0 {
		return n
	}
	if g.DefaultSize != nil && *g.DefaultSize > 0 {
		return *g.DefaultSize
	}
	if g.DesiredSize > 0 {
		return g.DesiredSize
	}
	return 1
}

// usage sums live pod metrics and requests of the app's workloads.
func (e *Estimator) usage(ctx context.Context, app *opsv1.Application) (*Usage, error) {
	var cpuUsage, memUsage, cpuReq, memReq resource.Quantity
	u := &Usage{}
	missingRequests := false

	for _, g := range app.Spec.ComputeGroups {
		if g.Kind == opsv1.ComputeKindNodegroup {
			continue
		}
		selector, err := e.selector(ctx, g)
		if err != nil {
			return nil, err
		}

		podMetrics, err := e.Metrics.MetricsV1beta1().PodMetricses(g.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
		if err != nil {
			return nil, fmt.Errorf("list pod metrics in %s: %w", g.Namespace, err)
		}
		for _, pm := range podMetrics.Items {
			for _, c := range pm.Containers {
				cpuUsage.Add(*c.Usage.Cpu())
				memUsage.Add(*c.Usage.Memory())
			}
		}

		var pods corev1.PodList
		if err := e.Client.List(ctx, &pods, client.InNamespace(g.Namespace), client.MatchingLabelsSelector{Selector: selector}); err != nil {
			return nil, fmt.Errorf("list pods in %s: %w", g.Namespace, err)
		}
		for _, p := range pods.Items {
			if p.Status.Phase != corev1.PodRunning {
				continue
			}
			u.Pods++
			for _, c := range p.Spec.Containers {
				cpuR := c.Resources.Requests.Cpu()
				memR := c.Resources.Requests.Memory()
				cpuReq.Add(*cpuR)
				memReq.Add(*memR)
				if cpuR.IsZero() || memR.IsZero() {
					missingRequests = true
				}
			}
		}
	}

	u.CPU = cpuUsage.String()
	u.Memory = memUsage.String()
	u.CPURequests = cpuReq.String()
	u.MemoryRequest = memReq.String()

	if missingRequests {
		u.Insights = append(u.Insights, "Missing Requests")
	}
	// Usage below 30% of requests
	if !cpuReq.IsZero() && cpuUsage.AsApproximateFloat64() < cpuReq.AsApproximateFloat64()*0.3 {
		u.Insights = append(u.Insights, "Overprovisioned CPU")
	}
	if !memReq.IsZero() && memUsage.AsApproximateFloat64() < memReq.AsApproximateFloat64()*0.3 {
		u.Insights = append(u.Insights, "Overprovisioned RAM")
	}
	if len(u.Insights) == 0 && u.Pods > 0 {
		u.Insights = append(u.Insights, "Optimized")
	}
	return u, nil
}

func (e *Estimator) selector(ctx context.Context, g opsv1.ComputeGroupRef) (labels.Selector, error) {
	key := client.ObjectKey{Namespace: g.Namespace, Name: g.Name}
	var ls *metav1.LabelSelector
	switch g.Kind {
	case opsv1.ComputeKindDeployment:
		var d appsv1.Deployment
		if err := e.Client.Get(ctx, key, &d); err != nil {
			return nil, err
		}
		ls = d.Spec.Selector
	case opsv1.ComputeKindStatefulSet:
		var s appsv1.StatefulSet
		if err := e.Client.Get(ctx, key, &s); err != nil {
			return nil, err
		}
		ls = s.Spec.Selector
	default:
		return nil, fmt.Errorf("unsupported kind %q", g.Kind)
	}
	if ls == nil {
		return nil, fmt.Errorf("%s %s has no selector", g.Kind, key)
	}
	return metav1.LabelSelectorAsSelector(ls)
}
