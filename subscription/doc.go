/*
Package subscription keeps the in-process table of which handlers are interested in
which integration events, and dispatches raw message bodies to those handlers.

The table maps an event name to an ordered set of handler descriptors. A descriptor
is built once per (event, handler) pair with Describe and carries the typed decode and
invoke functions, so dispatch never has to discover types at runtime.
*/
package subscription
