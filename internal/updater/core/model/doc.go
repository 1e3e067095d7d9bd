// Package model holds the value types shared by every updater component:
// update descriptors, the orchestrator configuration and state, backup
// snapshots and history records.
package model
