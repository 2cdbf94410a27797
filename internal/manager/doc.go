// Package manager supervises local image backend processes. It is structured
// into small files by concern:
//
//   - manager.go: core Manager type and per-model locking.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: ProcessEntry and start/stop options.
//   - errors.go: error types and helpers (IsModelNotFound, IsReadyTimeout, ...).
//   - ports.go: PortAllocator.
//   - readiness.go: ReadinessDetector strategies per backend family.
//   - start.go: StartModel, spawning and the readiness wait.
//   - stop.go: StopModel, StopAll, CleanupZombies.
//   - ensure.go: EnsureReady and Preload used by the scheduler and startup.
//   - status_report.go: GetModelStatus, ListProcesses, IsRunning.
//   - events.go: lifecycle Event publishing and the typed ProcessEvent subscription.
//   - metrics.go: prometheus collectors.
//
// API-mode models have no local process; StartModel rejects them with an
// error for which IsNoProcess reports true.
package manager
