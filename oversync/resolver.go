// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import "encoding/json"

// Winner names the side a conflict resolution kept.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Resolution is the outcome of comparing two versions of one entity.
type Resolution struct {
	Winner  Winner
	Version int64
	Payload json.RawMessage
	Deleted bool
}

// Resolve compares the local snapshot against the remote record of the same
// identity. Remote wins only when its version is strictly greater; ties go to
// the local side. Payloads and timestamps never influence the outcome.
//
// An absent local record loses to any remote record and an absent remote
// record loses to any local record.
func Resolve(local *MirrorRecord, remote *RemoteRecord) Resolution {
	switch {
	case remote == nil && local == nil:
		return Resolution{Winner: WinnerLocal}
	case remote == nil:
		return localResolution(local)
	case local == nil:
		return remoteResolution(remote)
	}
	if PickWinner(local.Version, remote.Version) == WinnerRemote {
		return remoteResolution(remote)
	}
	return localResolution(local)
}

// PickWinner is the version rule behind Resolve.
func PickWinner(localVersion, remoteVersion int64) Winner {
	if remoteVersion > localVersion {
		return WinnerRemote
	}
	return WinnerLocal
}

func localResolution(l *MirrorRecord) Resolution {
	return Resolution{Winner: WinnerLocal, Version: l.Version, Payload: l.Payload, Deleted: l.Deleted}
}

func remoteResolution(r *RemoteRecord) Resolution {
	return Resolution{Winner: WinnerRemote, Version: r.Version, Payload: r.Payload, Deleted: r.Deleted}
}
