// Package crawler holds the job model, crawl policies, and the interfaces
// shared by the engine, scheduler, fleet monitor, and storage backends.
package crawler
