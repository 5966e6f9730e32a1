// This file defines BootstrapError, matching the teacher's named
// error-struct pattern in dht/bootstrap.go: a failure type, the offending
// node's address, and the wrapped cause.
package kadnode

import (
	"fmt"

	"github.com/module/kadnet/kademlia"
)

// BootstrapError represents one bootstrap node's connection failure.
type BootstrapError struct {
	Type  string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Type, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// bootstrapResult is one worker's outcome, fed back over a result channel
// the way dht/bootstrap.go's launchBootstrapWorkers does.
type bootstrapResult struct {
	ref *kademlia.NodeRef
	err *BootstrapError
}
