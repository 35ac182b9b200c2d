package main

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/api"
	"github.com/migalsp/kubex-appswitch/internal/config"
	"github.com/migalsp/kubex-appswitch/internal/controller"
	"github.com/migalsp/kubex-appswitch/internal/cost"
	"github.com/migalsp/kubex-appswitch/internal/database"
	"github.com/migalsp/kubex-appswitch/internal/lease"
	"github.com/migalsp/kubex-appswitch/internal/lifecycle"
	"github.com/migalsp/kubex-appswitch/internal/metrics"
	"github.com/migalsp/kubex-appswitch/internal/registry"
	"github.com/migalsp/kubex-appswitch/internal/scaling"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(opsv1.AddToScheme(scheme))
}

func newManagerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Run the controllers and the API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, path)
			if err != nil {
				return err
			}
			return runManager(cfg)
		},
	}
	cmd.Flags().String("metrics-bind-address", ":8080", "The address the metric endpoint binds to")
	cmd.Flags().String("health-probe-bind-address", ":8081", "The address the probe endpoint binds to")
	cmd.Flags().Bool("leader-elect", false, "Enable leader election for controller manager")
	cmd.Flags().String("api-port", "8082", "Port of the HTTP API")
	mustBind("manager.metricsAddr", cmd, "metrics-bind-address")
	mustBind("manager.probeAddr", cmd, "health-probe-bind-address")
	mustBind("manager.leaderElect", cmd, "leader-elect")
	mustBind("api.port", cmd, "api-port")
	return cmd
}

func mustBind(key string, cmd *cobra.Command, flag string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
	}
}

func setupLogger(cfg config.LogConfig) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	ctrl.SetLogger(zap.New(zap.UseDevMode(cfg.Development), zap.Level(level)))
	return nil
}

func runManager(cfg *config.Config) error {
	if err := setupLogger(cfg.Log); err != nil {
		return err
	}
	ctx := ctrl.SetupSignalHandler()

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: cfg.Manager.MetricsAddr},
		HealthProbeBindAddress: cfg.Manager.ProbeAddr,
		LeaderElection:         cfg.Manager.LeaderElect,
		LeaderElectionID:       "appswitch.kubex.io",
	})
	if err != nil {
		return fmt.Errorf("unable to start manager: %w", err)
	}

	// Sharing decisions and leases must never be served from a stale cache.
	direct, err := client.New(mgr.GetConfig(), client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("unable to create client: %w", err)
	}
	reg := registry.New(direct, cfg.OperatorNamespace)

	engine := &scaling.Engine{Workloads: &scaling.WorkloadScaler{Client: direct}}
	router := &database.Router{StatefulSets: &database.StatefulSetToggler{Client: direct}}
	if cfg.AWS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("unable to load AWS config: %w", err)
		}
		engine.Nodegroups = scaling.NewNodegroupScaler(awsCfg)
		router.RDS = database.NewRDSToggler(awsCfg)
		setupLog.Info("AWS scalers enabled", "region", cfg.AWS.Region)
	}

	switcher := &lifecycle.Controller{
		Registry:  reg,
		Compute:   engine,
		Databases: router,
		Locker:    &lease.Locker{Client: direct, Namespace: cfg.OperatorNamespace, Duration: cfg.Lifecycle.LeaseDuration},
		Metrics:   metrics.Register(),
		Options: lifecycle.Options{
			DefaultRestoreSize: cfg.Lifecycle.DefaultRestoreSize,
			Verify:             cfg.Lifecycle.Verify,
			VerifyTimeout:      cfg.Lifecycle.VerifyTimeout,
			VerifyInterval:     cfg.Lifecycle.VerifyInterval,
			VerifyMaxInterval:  cfg.Lifecycle.VerifyMaxInterval,
			History:            cfg.Lifecycle.OutcomeHistory,
		},
		NewID: uuid.NewString,
	}

	if err := (&controller.DiscoveryReconciler{
		Client:       mgr.GetClient(),
		Scheme:       mgr.GetScheme(),
		Registry:     reg,
		Engine:       engine,
		ExcludeHosts: cfg.Discovery.ExcludeHosts,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create controller Discovery: %w", err)
	}
	if err := (&controller.HealthReconciler{
		Client:    mgr.GetClient(),
		Scheme:    mgr.GetScheme(),
		Registry:  reg,
		Compute:   engine,
		Databases: router,
		Interval:  cfg.Health.Interval,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create controller Health: %w", err)
	}
	if err := (&controller.ScheduleReconciler{
		Client:    mgr.GetClient(),
		Scheme:    mgr.GetScheme(),
		Compute:   engine,
		Databases: router,
		Switcher:  switcher,
		Recorder:  mgr.GetEventRecorderFor("kubex-appswitch"),
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create controller Schedule: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		return fmt.Errorf("unable to create clientset: %w", err)
	}
	metricsClient, err := metricsv.NewForConfig(mgr.GetConfig())
	if err != nil {
		return fmt.Errorf("unable to create metrics client: %w", err)
	}

	server := &api.Server{
		Registry:  reg,
		Lifecycle: switcher,
		Cost: &cost.Estimator{
			Compute:   engine,
			Databases: router,
			Rates:     cfg.Cost,
			Client:    direct,
			Metrics:   metricsClient,
		},
		Auth:          &api.Authenticator{User: cfg.API.AuthUser, Password: cfg.API.AuthPassword},
		K8sClient:     clientset,
		MetricsClient: metricsClient,
		Port:          cfg.API.Port,
		Namespace:     cfg.OperatorNamespace,
	}
	if err := mgr.Add(server); err != nil {
		return fmt.Errorf("unable to add API server: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	setupLog.Info("Starting manager", "namespace", cfg.OperatorNamespace, "apiPort", cfg.API.Port)
	return runWithContext(ctx, mgr)
}

func runWithContext(ctx context.Context, mgr ctrl.Manager) error {
	start := time.Now()
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("problem running manager: %w", err)
	}
	setupLog.Info("Manager stopped", "uptime", time.Since(start).Round(time.Second))
	return nil
}
