// Package platform holds the delivery clients. Each destination implements
// the small Client capability interface; the engine looks clients up in a
// Registry and never knows transport details.
//
// Every publish failure is retryable: the engine owns the retry budget, so
// clients never render a permanent verdict. A client may wrap its error
// with RetryAfter to carry a server-provided delay hint; anything else
// retries on the default backoff.
package platform
