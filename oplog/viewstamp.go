// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oplog holds the replicated operation log: densely numbered
// slots that advance through a fixed state lifecycle as the ordering
// protocol progresses.
package oplog

import "fmt"

// ViewStamp identifies a slot: the view it was assigned in, its opnum,
// and, when ordered multicast is in use, the sequencer session and
// message numbers the request carried.
type ViewStamp struct {
	View    uint64
	Opnum   uint64
	SessNum uint64
	MsgNum  uint64
}

func (v ViewStamp) String() string {
	return fmt.Sprintf("view=%d op=%d", v.View, v.Opnum)
}

// Compare orders viewstamps lexicographically by (view, opnum).
func (v ViewStamp) Compare(o ViewStamp) int {
	switch {
	case v.View < o.View:
		return -1
	case v.View > o.View:
		return 1
	case v.Opnum < o.Opnum:
		return -1
	case v.Opnum > o.Opnum:
		return 1
	default:
		return 0
	}
}
