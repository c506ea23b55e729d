package connection

import (
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/blang/semver/v4"
)

// RequiredManagementVersion is the broker version from which message
// filtering (publish v2) is enabled
var RequiredManagementVersion = semver.MustParse("3.13.0")

// NegotiateFrameMax returns the effective frame-max. An unlimited (0) value on
// one side defers to the other side, otherwise the smaller value wins.
func NegotiateFrameMax(client, server uint32) uint32 {
	if client == common.UnlimitedFrameMax {
		return server
	}
	if server == common.UnlimitedFrameMax {
		return client
	}
	return min(client, server)
}

// NegotiateHeartbeat returns the effective heartbeat interval in seconds. A
// client value of 0 accepts the server proposal.
func NegotiateHeartbeat(client, server uint32) uint32 {
	if client == 0 {
		return server
	}
	return min(client, server)
}

// ManagementVersionSatisfies reports whether a broker version string is at
// least the required version. Pre-release and build suffixes are ignored,
// absent or unparsable versions never satisfy the requirement.
func ManagementVersionSatisfies(version string, required semver.Version) bool {
	if version == "" {
		return false
	}
	v, err := semver.ParseTolerant(version)
	if err != nil {
		return false
	}
	v.Pre = nil
	v.Build = nil
	return v.GTE(required)
}
