// Package proxy implements the wire protocol spoken with the workflow proxy
// process: length-prefixed JSON envelopes, a connection that owns the channel
// and its single receive loop, and a correlator that matches each reply to
// the call that is waiting for it.
package proxy
