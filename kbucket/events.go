package kbucket

import "github.com/boson-network/boson/internal/blog"

// Structured events for routing-table churn, emitted when the embedder
// enables blog's event stream.
var (
	evBucketSplit  = blog.NewEvent("kbucket", "bucketSplit")
	evBucketMerge  = blog.NewEvent("kbucket", "bucketMerge")
	evEntryEvicted = blog.NewEvent("kbucket", "entryEvicted")
)
