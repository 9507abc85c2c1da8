package iscsi

import "time"

// DialOptions configures a session's Login and the negotiated operational
// parameters for its one connection. There is no connection-pooling or
// multi-connection-per-session option — this initiator always brings up
// exactly one TCP connection per session, per spec.md's concurrency model.
type DialOptions struct {
	InitiatorName  string
	InitiatorAlias string
	TargetName     string

	// Auth, if non-zero, requests AuthMethod=CHAP and drives the CHAP
	// sub-machine during Security Negotiation. A zero value requests
	// AuthMethod=None.
	Auth CHAPCredentials

	HeaderDigest bool
	DataDigest   bool

	// MaxRecvDataSegmentLength bounds how large a single data segment
	// this initiator will accept from the target; 0 defaults to 8192.
	MaxRecvDataSegmentLength int

	DialTimeout time.Duration
}

func (o DialOptions) maxRecvDataSegmentLength() int {
	if o.MaxRecvDataSegmentLength > 0 {
		return o.MaxRecvDataSegmentLength
	}
	return 8192
}

func (o DialOptions) wantsAuth() bool {
	return o.Auth.Username != "" || o.Auth.Secret != ""
}
