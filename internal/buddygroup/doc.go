// Package buddygroup maps buddy group IDs to their primary and secondary
// targets and picks the forwarding destination for mirrored writes from the
// current target states.
package buddygroup
