// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"regexp"
	"strings"
)

// Prefix of operator defined resource classes and traits.
const CustomPrefix = "CUSTOM_"

// First id of operator defined resource classes and traits.
const MinCustomID = 10000

// Trait marking providers whose inventory is shared with all trees in a
// common aggregate.
const TraitSharesViaAggregate = "MISC_SHARES_VIA_AGGREGATE"

var customNamePattern = regexp.MustCompile(`^CUSTOM_[A-Z0-9_]+$`)

// Whether the name is a valid custom resource class or trait name.
func IsValidCustomName(name string) bool {
	return customNamePattern.MatchString(name) && len(name) <= 255
}

// Whether the name belongs to the operator defined namespace.
func IsCustom(name string) bool {
	return strings.HasPrefix(name, CustomPrefix)
}

// Standard resource classes. The position in the list is the id.
var StandardResourceClasses = []string{
	"VCPU",
	"MEMORY_MB",
	"DISK_GB",
	"PCI_DEVICE",
	"SRIOV_NET_VF",
	"NUMA_SOCKET",
	"NUMA_CORE",
	"NUMA_THREAD",
	"NUMA_MEMORY_MB",
	"IPV4_ADDRESS",
	"VGPU",
	"VGPU_DISPLAY_HEAD",
	"NET_BW_EGR_KILOBIT_PER_SEC",
	"NET_BW_IGR_KILOBIT_PER_SEC",
	"PCPU",
	"MEM_ENCRYPTION_CONTEXT",
	"FPGA",
	"PGPU",
	"NET_PACKET_RATE_KILOPACKET_PER_SEC",
	"NET_PACKET_RATE_EGR_KILOPACKET_PER_SEC",
	"NET_PACKET_RATE_IGR_KILOPACKET_PER_SEC",
}

// Standard traits. Ids are assigned in list order starting at 1, so new
// traits must only be appended.
var StandardTraits = []string{
	"MISC_SHARES_VIA_AGGREGATE",
	"COMPUTE_DEVICE_TAGGING",
	"COMPUTE_NET_ATTACH_INTERFACE",
	"COMPUTE_NET_ATTACH_INTERFACE_WITH_TAG",
	"COMPUTE_VOLUME_ATTACH_WITH_TAG",
	"COMPUTE_VOLUME_EXTEND",
	"COMPUTE_VOLUME_MULTI_ATTACH",
	"COMPUTE_TRUSTED_CERTS",
	"COMPUTE_STATUS_DISABLED",
	"COMPUTE_IMAGE_TYPE_QCOW2",
	"COMPUTE_IMAGE_TYPE_RAW",
	"COMPUTE_IMAGE_TYPE_VMDK",
	"COMPUTE_NODE",
	"COMPUTE_SECURITY_UEFI_SECURE_BOOT",
	"COMPUTE_RESCUE_BFV",
	"COMPUTE_ACCELERATORS",
	"HW_CPU_X86_AVX",
	"HW_CPU_X86_AVX2",
	"HW_CPU_X86_AVX512F",
	"HW_CPU_X86_SSE",
	"HW_CPU_X86_SSE2",
	"HW_CPU_X86_SSE41",
	"HW_CPU_X86_SSE42",
	"HW_CPU_X86_AESNI",
	"HW_CPU_X86_VMX",
	"HW_CPU_X86_SVM",
	"HW_CPU_X86_AMD_SEV",
	"HW_CPU_HYPERTHREADING",
	"HW_NUMA_ROOT",
	"HW_NIC_SRIOV",
	"HW_NIC_SRIOV_MULTIQUEUE",
	"HW_NIC_SRIOV_TRUSTED",
	"HW_NIC_OFFLOAD_GENEVE",
	"HW_NIC_OFFLOAD_VXLAN",
	"HW_NIC_OFFLOAD_TSO",
	"HW_NIC_OFFLOAD_GRO",
	"HW_NIC_OFFLOAD_RXCSUM",
	"HW_NIC_OFFLOAD_TXCSUM",
	"HW_NIC_ACCEL_SSL",
	"HW_NIC_ACCEL_IPSEC",
	"HW_NIC_DCB_PFC",
	"HW_GPU_API_VULKAN",
	"HW_GPU_API_OPENGL_4_5",
	"HW_GPU_CUDA_COMPUTE_CAPABILITY_V8_0",
	"HW_GPU_MAX_DISPLAY_HEADS_4",
	"STORAGE_DISK_HDD",
	"STORAGE_DISK_SSD",
	"HW_ARCH_X86_64",
	"HW_ARCH_AARCH64",
	"OWNER_CINDER",
	"OWNER_NOVA",
	"COMPUTE_EPHEMERAL_ENCRYPTION",
}
