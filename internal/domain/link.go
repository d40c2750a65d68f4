package domain

// LinkDirection tells which way media flows over a negotiated link.
type LinkDirection int

const (
	// Upstream carries media from a publisher into this node.
	Upstream LinkDirection = iota
	// Downstream fans media out from this node to a subscriber.
	Downstream
)

func (d LinkDirection) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// LinkKey identifies one directional negotiation unit.
// Remote is empty for a publisher's own upstream link.
type LinkKey struct {
	Room   RoomID
	Local  UserID
	Remote UserID
}

func UpstreamKey(room RoomID, user UserID) LinkKey {
	return LinkKey{Room: room, Local: user}
}

func DownstreamKey(room RoomID, local, remote UserID) LinkKey {
	return LinkKey{Room: room, Local: local, Remote: remote}
}

// IsUpstream reports whether the key names a publisher's upstream link.
func (k LinkKey) IsUpstream() bool { return k.Remote == "" }
