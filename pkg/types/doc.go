/*
Package types defines the values shared between the scheduling engine and its
embedders: request kinds, policy identifiers, the request record handed to
client callbacks and the callback interfaces themselves.

Policy identifiers are stable integers because they are written to the
pattern-matching state file:

	NOOP  = 0
	TO    = 1
	SJF   = 2
	TWINS = 3
*/
package types
