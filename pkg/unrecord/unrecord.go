package unrecord

import (
	"fmt"

	"github.com/pijul-core/pristine/pkg/changestore"
	"github.com/pijul-core/pristine/pkg/pristine"
)

// Unrecord removes hash from ch: every graph edit it made is reversed,
// its entry is dropped from the channel's changes/revchanges/tags
// maps, and its ApplyCounter is decremented. It reports (false, err)
// without mutating anything if hash is not applied to ch, or if some
// other change still applied to ch depends on it. Once the reversal
// succeeds, the return value reports whether the change remains
// referenced by some other channel in the pristine: false means its
// cross-channel bookkeeping (internal/external/dep/revdep) was fully
// purged, true means it is still in use elsewhere and was left alone.
func Unrecord(txn pristine.MutTxn, ch *pristine.Channel, cs changestore.Store, hash pristine.Hash) (bool, error) {
	id, ok := txn.Internal(hash)
	if !ok {
		return false, &pristine.ChangeNotInChannelError{Hash: hash, Channel: ch.Name}
	}

	unused, err := unusedInOtherChannels(txn, ch, hash)
	if err != nil {
		return false, fmt.Errorf("unrecord: %w", err)
	}

	seq, ok := txn.RevChanges(ch).Get(hash)
	if !ok {
		return false, &pristine.ChangeNotInChannelError{Hash: hash, Channel: ch.Name}
	}

	if err := checkNotDependedUpon(txn, ch, hash, id); err != nil {
		return false, err
	}

	if err := delChannelChanges(txn, ch, seq, hash); err != nil {
		return false, err
	}

	change, err := cs.GetChange(hash)
	if err != nil {
		return false, fmt.Errorf("unrecord: %w", err)
	}

	ws := GetWorkspace()
	defer PutWorkspace(ws)

	if err := unapply(txn, ch, cs, ws, id, change); err != nil {
		return false, fmt.Errorf("unrecord: unapplying %s: %w", hash, err)
	}

	ch.ApplyCounter--

	if unused {
		for _, dep := range txn.Dep(id) {
			if err := txn.DelDep(id, dep); err != nil && err != pristine.ErrNotFound {
				return false, err
			}
			if err := txn.DelRevDep(dep, id); err != nil && err != pristine.ErrNotFound {
				return false, err
			}
		}
		if err := txn.DelExternal(id); err != nil && err != pristine.ErrNotFound {
			return false, err
		}
		if err := txn.DelInternal(hash); err != nil && err != pristine.ErrNotFound {
			return false, err
		}
		return false, txn.PutChannel(ch)
	}
	return true, txn.PutChannel(ch)
}

// delChannelChanges drops seq/hash from ch's changes, revchanges and
// tags maps. The States map (the channel's Merkle checkpoint log) is
// left untouched: rewriting it would mean rehashing every checkpoint
// recorded after seq, which requires replaying the channel's full
// history rather than a local edit. A channel unrecorded below its
// head therefore shows a gap in its state log, the same way the
// running Merkle only ever advances on a fresh apply.
func delChannelChanges(txn pristine.MutTxn, ch *pristine.Channel, seq uint64, h pristine.Hash) error {
	if err := txn.DelChanges(ch, seq); err != nil {
		return err
	}
	if err := txn.DelRevChanges(ch, h, seq); err != nil {
		return err
	}
	if err := txn.DelTags(ch, seq); err != nil && err != pristine.ErrNotFound {
		return err
	}
	return nil
}

// checkNotDependedUpon aborts the unrecord if some other change still
// applied to ch depends on id.
func checkNotDependedUpon(txn pristine.Txn, ch *pristine.Channel, hash pristine.Hash, id pristine.ChangeId) error {
	var dependers []pristine.Hash
	for _, depender := range txn.RevDep(id) {
		h2, ok := txn.External(depender)
		if !ok {
			continue
		}
		if _, stillApplied := txn.RevChanges(ch).Get(h2); stillApplied {
			dependers = append(dependers, h2)
		}
	}
	if len(dependers) > 0 {
		return &pristine.ChangeIsDependedUponError{Hash: hash, DependsOn: dependers}
	}
	return nil
}

// unusedInOtherChannels scans every channel in the pristine but ch
// itself, checking whether hash is still applied there (present in
// that channel's revchanges map). It answers the cross-channel half
// of step 9: id's cross-pristine bookkeeping is only safe to drop once
// nothing anywhere still names it.
func unusedInOtherChannels(txn pristine.Txn, ch *pristine.Channel, hash pristine.Hash) (bool, error) {
	names, err := txn.ListChannels()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == ch.Name {
			continue
		}
		other, err := txn.LoadChannel(name)
		if err != nil {
			continue
		}
		if _, ok := txn.RevChanges(other).Get(hash); ok {
			return false, nil
		}
	}
	return true, nil
}
