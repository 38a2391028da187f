// Package metrics holds the shared Prometheus naming convention used by
// every wen-restart component, the way prysm namespaces each
// subsystem's gauges and counters under a common prefix.
package metrics

// Namespace is the common Prometheus namespace for every metric this
// module registers.
const Namespace = "wen_restart"
