// Package crawler defines the core types, collaborator interfaces, and error
// taxonomy shared by the queue backends, the retry wrapper, the worker pool,
// and the batch orchestrator.
package crawler
