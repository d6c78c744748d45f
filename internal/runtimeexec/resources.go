package runtimeexec

import (
	"k8s.io/apimachinery/pkg/api/resource"

	corev1 "k8s.io/api/core/v1"

	"github.com/coughsense/coughsense-go/internal/domain"
)

// CPU units follow the 1024-per-vCPU convention.
const cpuUnitsPerCore = 1024

func MilliCPU(units int) int64 {
	return int64(units) * 1000 / cpuUnitsPerCore
}

func NanoCPUs(units int) int64 {
	return int64(units) * 1_000_000_000 / cpuUnitsPerCore
}

func MemoryBytes(mb int) int64 { return int64(mb) << 20 }

func EphemeralBytes(gb int) int64 { return int64(gb) << 30 }

// ResourceList renders a ceiling as Kubernetes quantities. Requests equal
// limits so the pod lands in the Guaranteed QoS class.
func ResourceList(c domain.ResourceCeiling) corev1.ResourceList {
	return corev1.ResourceList{
		corev1.ResourceCPU:              *resource.NewMilliQuantity(MilliCPU(c.CPUUnits), resource.DecimalSI),
		corev1.ResourceMemory:           *resource.NewQuantity(MemoryBytes(c.MemoryMB), resource.BinarySI),
		corev1.ResourceEphemeralStorage: *resource.NewQuantity(EphemeralBytes(c.EphemeralGB), resource.BinarySI),
	}
}
