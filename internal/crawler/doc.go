// Package crawler defines the domain types, error taxonomy, collaborator
// interfaces and retry policy shared by the challenge resolver, the
// acquisition pipeline, the crawl-state store and the worker pool.
package crawler
