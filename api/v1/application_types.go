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

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ComputeKind identifies how a compute group is scaled.
// +kubebuilder:validation:Enum=Deployment;StatefulSet;Nodegroup
type ComputeKind string

const (
	ComputeKindDeployment  ComputeKind = "Deployment"
	ComputeKindStatefulSet ComputeKind = "StatefulSet"
	ComputeKindNodegroup   ComputeKind = "Nodegroup"
)

// DatabaseType is the flavour of a backing store.
// +kubebuilder:validation:Enum=postgres;neo4j
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeNeo4j    DatabaseType = "neo4j"
)

// DatabaseEngine selects the API used to toggle a database instance.
// +kubebuilder:validation:Enum=rds;statefulset
type DatabaseEngine string

const (
	DatabaseEngineRDS         DatabaseEngine = "rds"
	DatabaseEngineStatefulSet DatabaseEngine = "statefulset"
)

// HealthStatus is the derived state written by the health monitor.
type HealthStatus string

const (
	HealthUp       HealthStatus = "UP"
	HealthDown     HealthStatus = "DOWN"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthUnknown  HealthStatus = "UNKNOWN"
)

// ScalingSchedule defines when an application should be running
type ScalingSchedule struct {
	// Days of week (0-6, 0=Sunday)
	// +kubebuilder:validation:MinItems=1
	// +kubebuilder:validation:MaxItems=7
	Days []int `json:"days"`

	// StartTime in HH:MM format
	// +kubebuilder:validation:Pattern=`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`
	StartTime string `json:"startTime"`

	// EndTime in HH:MM format
	// +kubebuilder:validation:Pattern=`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`
	EndTime string `json:"endTime"`

	// Timezone for the schedule (e.g. "UTC", "America/New_York")
	// If empty, local operator time is used.
	// +optional
	Timezone string `json:"timezone,omitempty"`
}

// ComputeGroupRef is a scalable pool backing the application.
type ComputeGroupRef struct {
	// Name of the workload or EKS node group
	// +kubebuilder:validation:Required
	Name string `json:"name"`

	// Kind selects the scaler
	// +kubebuilder:validation:Required
	Kind ComputeKind `json:"kind"`

	// Namespace of the workload. Ignored for node groups.
	// +optional
	Namespace string `json:"namespace,omitempty"`

	// Cluster is the EKS cluster name for node groups.
	// +optional
	Cluster string `json:"cluster,omitempty"`

	// MinSize last observed by discovery
	// +optional
	MinSize int32 `json:"minSize,omitempty"`

	// MaxSize last observed by discovery
	// +optional
	MaxSize int32 `json:"maxSize,omitempty"`

	// DesiredSize last observed by discovery
	// +optional
	DesiredSize int32 `json:"desiredSize,omitempty"`

	// DefaultSize is restored on start when no previous size was saved.
	// +optional
	DefaultSize *int32 `json:"defaultSize,omitempty"`
}

// DatabaseRef points at a database instance the application depends on.
type DatabaseRef struct {
	// ID is the RDS instance identifier or "namespace/statefulset"
	// +kubebuilder:validation:Required
	ID string `json:"id"`

	// Type of the database
	// +kubebuilder:validation:Required
	Type DatabaseType `json:"type"`

	// Engine selects the toggle API
	// +kubebuilder:validation:Required
	Engine DatabaseEngine `json:"engine"`

	// Shared is a hint recorded at discovery time. It is recomputed before
	// every stop decision and never trusted on its own.
	// +optional
	Shared bool `json:"shared,omitempty"`
}

// Key identifies the underlying instance independent of the referencing app.
func (d DatabaseRef) Key() string {
	return string(d.Engine) + "/" + d.ID
}

// ApplicationSpec defines the desired state of Application
type ApplicationSpec struct {
	// AppName is the unique application identifier, usually the ingress host
	// +kubebuilder:validation:Required
	AppName string `json:"appName"`

	// ComputeGroups are scaled in order to bring the application up or down
	// +optional
	// +listType=atomic
	ComputeGroups []ComputeGroupRef `json:"computeGroups,omitempty"`

	// DatabaseRefs lists the database instances the application depends on
	// +optional
	// +listType=atomic
	DatabaseRefs []DatabaseRef `json:"databaseRefs,omitempty"`

	// Schedules define the windows in which the application should run
	// +optional
	// +listType=atomic
	Schedules []ScalingSchedule `json:"schedules,omitempty"`

	// Active is the manual override for scheduling.
	// If null, the schedule is followed.
	// +optional
	Active *bool `json:"active,omitempty"`
}

// OperationSummary is the audit record of the last start/stop.
type OperationSummary struct {
	ID            string      `json:"id"`
	Action        string      `json:"action"`
	OverallStatus string      `json:"overallStatus"`
	StartedAt     metav1.Time `json:"startedAt,omitempty"`
	FinishedAt    metav1.Time `json:"finishedAt,omitempty"`

	// +optional
	// +listType=atomic
	Warnings []string `json:"warnings,omitempty"`

	// +optional
	// +listType=atomic
	Failures []string `json:"failures,omitempty"`
}

// ApplicationStatus defines the observed state of Application.
type ApplicationStatus struct {
	// Health is derived by the health monitor
	// +optional
	Health HealthStatus `json:"health,omitempty"`

	// LastHealthCheck is when Health was last derived
	// +optional
	LastHealthCheck metav1.Time `json:"lastHealthCheck,omitempty"`

	// HealthDetails explains a DOWN or DEGRADED status
	// +optional
	// +listType=atomic
	HealthDetails []string `json:"healthDetails,omitempty"`

	// SavedScales stores the desired size of each compute group before it was stopped
	// +optional
	SavedScales map[string]int32 `json:"savedScales,omitempty"`

	// SavedMinSizes stores the minimum size of each compute group before it was stopped
	// +optional
	SavedMinSizes map[string]int32 `json:"savedMinSizes,omitempty"`

	// LastOperation is the result of the most recent start or stop
	// +optional
	LastOperation *OperationSummary `json:"lastOperation,omitempty"`

	// Conditions represent the current state of the Application resource.
	// +listType=map
	// +listMapKey=type
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="App",type=string,JSONPath=`.spec.appName`
// +kubebuilder:printcolumn:name="Health",type=string,JSONPath=`.status.health`
// +kubebuilder:printcolumn:name="Last Action",type=string,JSONPath=`.status.lastOperation.action`

// Application is the Schema for the applications API
type Application struct {
	metav1.TypeMeta `json:",inline"`

	// metadata is a standard object metadata
	// +optional
	metav1.ObjectMeta `json:"metadata,omitzero"`

	// spec defines the desired state of Application
	// +required
	Spec ApplicationSpec `json:"spec"`

	// status defines the observed state of Application
	// +optional
	Status ApplicationStatus `json:"status,omitzero"`
}

// +kubebuilder:object:root=true

// ApplicationList contains a list of Application
type ApplicationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitzero"`
	Items           []Application `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Application{}, &ApplicationList{})
}
