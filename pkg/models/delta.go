package models

import "pactcache/pkg/timekey"

// DeltaKind tags a Delta.
type DeltaKind int

const (
	DeltaAdd DeltaKind = iota
	DeltaDelete
)

func (k DeltaKind) String() string {
	if k == DeltaDelete {
		return "del"
	}
	return "add"
}

// Origin records where a delta came from.
type Origin int

const (
	// OriginRemote deltas come from the source of truth; their time is authoritative.
	OriginRemote Origin = iota
	// OriginLocal deltas are optimistic writes made by this process.
	OriginLocal
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Delta is one change to a conversation.
type Delta struct {
	Kind   DeltaKind
	Origin Origin
	// ID names the affected message.
	ID string
	// Time is the intended slot for an Add. Zero on a local Add asks the
	// applier to mint one.
	Time timekey.Key
	// Writ is the message body for an Add.
	Writ Writ
}

// AddDelta returns a remote Add carrying w at w.Time.
func AddDelta(w Writ) Delta {
	return Delta{Kind: DeltaAdd, Origin: OriginRemote, ID: w.ID, Time: w.Time, Writ: w}
}

// LocalAddDelta returns an optimistic Add for w.
func LocalAddDelta(w Writ) Delta {
	return Delta{Kind: DeltaAdd, Origin: OriginLocal, ID: w.ID, Time: w.Time, Writ: w}
}

// DeleteDelta returns a tombstone for id.
func DeleteDelta(id string) Delta {
	return Delta{Kind: DeltaDelete, Origin: OriginRemote, ID: id}
}

// ConversationDelta pairs a delta with its conversation.
type ConversationDelta struct {
	Whom  Whom
	Delta Delta
}
