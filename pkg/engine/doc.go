// Package engine implements handler graphs for chained network requests.
//
// Architecture:
//
// node.go     - Node, edges, Run and outcome routing
// request.go  - Request nodes (dispatch, concurrent fan-out, status classification)
// handlers.go - Condition, transform and terminal nodes
// limits.go   - Optional traversal depth limit for cyclic graphs
//
// A graph is a set of nodes linked by success, failure and error edges. Running
// a node classifies its input, fires at most one edge per classified value and
// returns the value produced downstream. Errors never escape Run; they are
// routed to the error edge or reported on the Result.
package engine
