// Package orchestrator talks to the HTTP API of the cluster orchestration
// service to discover the replication topology and infer the current primary.
//
// The API shape is not stable across service versions: some deployments
// expose /master, some only /instance, some only /topology, and field names
// differ between releases. Every endpoint is therefore optional (a 404 means
// "not supported here") and instance documents are decoded field by field.
package orchestrator
