// Package api serves the ledger's read views over HTTP JSON and exposes the
// two operator review actions (select and approve).
//
// # Views
//
// Every read goes through the invalidation Coordinator. RegisterViews binds
// one fetcher per view (summary, scans per status, stitched labels, the scan
// detail index and the card match index), so a pipeline operation run in the
// same process marks exactly the views it touched stale and the next request
// refetches them.
//
// # Routes
//
//	GET  /api/v1/summary
//	GET  /api/v1/scans?status=<status>
//	GET  /api/v1/scans/{hash}
//	GET  /api/v1/scans/{hash}/matches
//	GET  /api/v1/stitched
//	GET  /api/v1/suggest?field=<set|card>&q=<query>&scope=<set id>
//	POST /api/v1/scans/{hash}/select
//	POST /api/v1/scans/{hash}/approve
//
// DTOs use camelCase JSON tags. Errors are returned as {"error": "..."} with
// a status derived from the services error markers.
package api
