// Package crawler holds the domain model shared by the queue, the workers and the
// fetch pipeline: jobs and their lifecycle, priorities, fetch requests, queue
// statistics, the error taxonomy, and the storage, publishing and fetching
// interfaces the rest of the module implements.
package crawler
