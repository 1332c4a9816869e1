// Package protocol defines the conduit message model: the JSON-RPC 2.0
// envelope types (Request, Response, Notification), the predicates that are
// the sole basis for message dispatch, the numeric error-code taxonomy,
// capability descriptor trees, and the payload types for every built-in
// method.
package protocol
