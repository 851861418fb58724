// Package policy decides which peer addresses TURN clients may relay to.
//
// A TURN relay is network egress and can easily become an open proxy or SSRF
// primitive into the relay's own network. PeerPolicy is evaluated on every
// CreatePermission and ChannelBind request before the server installs the
// permission.
package policy
