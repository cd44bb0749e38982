package engine

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// CacheObject is one cached file or directory: its lifecycle, subscription
// count, persisted metadata and write-window state machine. It never points
// at its subscribers or at its owning TypeCache; upward navigation goes
// through CacheSet by typeName, per the engine's ownership direction.
type CacheObject struct {
	id       ObjectId
	typeName string
	filename string
	path     string

	size     int64
	cost     int
	lifetime int64

	subscriptionCount int
	written           bool
	expired           bool
	dirType           bool

	creationTime   time.Time
	lastAccessTime time.Time

	store *ObjectStore
}

// newCacheObject constructs a CacheObject bound to path, not yet persisted.
func newCacheObject(store *ObjectStore, id ObjectId, typeName, filename, path string, size int64, cost int, lifetime int64, dirType bool) *CacheObject {
	t := now()
	return &CacheObject{
		id:             id,
		typeName:       typeName,
		filename:       filename,
		path:           path,
		size:           size,
		cost:           cost,
		lifetime:       lifetime,
		dirType:        dirType,
		creationTime:   t,
		lastAccessTime: t,
		store:          store,
	}
}

// initialize creates the backing file/directory and xattrs when isNew, or
// verifies presence otherwise. Any failing filesystem step is reported so
// the caller discards the object.
func (o *CacheObject) initialize(isNew bool) error {
	if !isNew {
		if _, err := os.Stat(o.path); err != nil {
			return wrapErr(KindExists, "backing object missing", err)
		}
		return nil
	}

	if o.dirType {
		if err := o.store.createDir(o.path, dirRW); err != nil {
			return wrapErr(KindDefine, "create backing directory", err)
		}
	} else {
		if err := o.store.createFile(o.path); err != nil {
			return wrapErr(KindDefine, "create backing file", err)
		}
	}

	if err := o.store.chmod(o.path, rwPerms|dirExecBit(o.dirType)); err != nil {
		return wrapErr(KindDefine, "chmod rw", err)
	}

	dirFlag := int64(0)
	if o.dirType {
		dirFlag = 1
	}
	if err := o.store.setXAttrString(o.path, xattrFilename, o.filename); err != nil {
		return wrapErr(KindDefine, "set filename xattr", err)
	}
	if err := o.store.setXAttrInt(o.path, xattrSize, o.size); err != nil {
		return wrapErr(KindDefine, "set size xattr", err)
	}
	if err := o.store.setXAttrInt(o.path, xattrCost, int64(o.cost)); err != nil {
		return wrapErr(KindDefine, "set cost xattr", err)
	}
	if err := o.store.setXAttrInt(o.path, xattrLifetime, o.lifetime); err != nil {
		return wrapErr(KindDefine, "set lifetime xattr", err)
	}
	if err := o.store.setXAttrInt(o.path, xattrDirType, dirFlag); err != nil {
		return wrapErr(KindDefine, "set dirType xattr", err)
	}
	if err := o.store.setXAttrInt(o.path, xattrWritten, 0); err != nil {
		return wrapErr(KindDefine, "set written xattr", err)
	}

	if err := o.store.chmod(o.path, roPerms|dirExecBit(o.dirType)); err != nil {
		return wrapErr(KindDefine, "chmod read-only", err)
	}
	return nil
}

// dirExecBit adds the execute bit directories need to remain traversable
// while read-only.
func dirExecBit(dirType bool) os.FileMode {
	if dirType {
		return 0110
	}
	return 0
}

var errWriteWindowOpen = errors.New("only one writer allowed")
var errAlreadyExpired = errors.New("already expired")

// subscribe pins the object and returns its path. While the write window is
// open (count=1, written=false) a second subscribe is rejected.
func (o *CacheObject) subscribe() (string, error) {
	if o.expired {
		return "", errAlreadyExpired
	}
	if o.written {
		o.subscriptionCount++
		o.lastAccessTime = now()
		return o.path, nil
	}
	if o.subscriptionCount == 0 {
		if err := o.store.chmod(o.path, rwPerms|dirExecBit(o.dirType)); err != nil {
			return "", wrapErr(KindExists, "chmod rw for write window", err)
		}
		o.subscriptionCount = 1
		o.lastAccessTime = now()
		return o.path, nil
	}
	return "", errWriteWindowOpen
}

// unsubscribe releases one pin. When the write window closes (count reaches
// zero while unwritten) the object is finalised: declared size is
// reconciled against the real on-disk size, w is persisted, the backing
// object is fsynced and returned to read-only. dirType objects are always
// marked expired on unsubscribe, regardless of remaining count.
func (o *CacheObject) unsubscribe() error {
	if o.subscriptionCount > 0 {
		o.subscriptionCount--
	}

	if o.dirType {
		o.expired = true
		return nil
	}

	if o.subscriptionCount > 0 || o.written {
		return nil
	}

	return o.finalize()
}

func (o *CacheObject) finalize() error {
	info, err := os.Stat(o.path)
	if err != nil {
		o.expired = true
		return wrapErr(KindExists, "stat backing file at finalise", err)
	}

	real := info.Size()
	switch {
	case real > o.size:
		o.expired = true
	case real < o.size:
		o.size = real
		if err := o.store.setXAttrInt(o.path, xattrSize, o.size); err != nil {
			o.expired = true
			return wrapErr(KindConfiguration, "persist clamped size", err)
		}
	}

	if err := o.store.setXAttrInt(o.path, xattrWritten, 1); err != nil {
		o.expired = true
		return wrapErr(KindConfiguration, "persist written xattr", err)
	}
	if err := o.store.fsync(o.path); err != nil {
		o.expired = true
		return wrapErr(KindConfiguration, "fsync at finalise", err)
	}
	if err := o.store.chmod(o.path, roPerms); err != nil {
		o.expired = true
		return wrapErr(KindConfiguration, "chmod read-only at finalise", err)
	}

	o.written = true
	return nil
}

// resize applies newSize, legal only during the write window (unwritten,
// exactly one subscriber). Returns the size actually in effect and whether
// it changed.
func (o *CacheObject) resize(newSize int64) (int64, bool) {
	if o.written || o.subscriptionCount != 1 {
		return o.size, false
	}
	if err := o.store.setXAttrInt(o.path, xattrSize, newSize); err != nil {
		return o.size, false
	}
	o.size = newSize
	return o.size, true
}

// touch updates lastAccessTime without subscribing and returns the new time.
func (o *CacheObject) touch() time.Time {
	o.lastAccessTime = now()
	return o.lastAccessTime
}

// expire marks the object expired. When still subscribed, deletion is
// deferred to the last unsubscribe and expire returns false. Otherwise the
// backing object is removed immediately and expire returns true.
func (o *CacheObject) expire() bool {
	o.expired = true
	if o.subscriptionCount > 0 {
		return false
	}
	if o.dirType {
		o.store.removeTree(o.path)
	} else {
		if err := o.store.unlink(o.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.store.log.Warn("unlink failed", "path", o.path, "error", err)
		}
		// Opportunistically remove the now-possibly-empty one-character
		// container directory; a non-empty result (siblings remain) is not
		// an error.
		if err := o.store.removeDirIfEmpty(filepath.Dir(o.path)); err != nil {
			o.store.log.Warn("container dir removal failed", "path", o.path, "error", err)
		}
	}
	return true
}

// validate compares the on-disk size against the declared size and logs any
// discrepancy. It never mutates state.
func (o *CacheObject) validate() {
	var real int64
	var err error
	if o.dirType {
		real, err = o.store.sumTree(o.path)
	} else {
		var info os.FileInfo
		info, err = os.Stat(o.path)
		if err == nil {
			real = info.Size()
		}
	}
	if err != nil {
		o.store.log.Warn("validate: stat failed", "path", o.path, "error", err)
		return
	}
	if real != o.size {
		o.store.log.Warn("validate: size mismatch", "path", o.path, "declared", o.size, "real", real)
	}
}

// cacheCost scores the object for eviction: lower is a better candidate.
// Objects younger than their lifetime are never preferred (maxCost);
// otherwise cost decays with age relative to how many pages it occupies.
func (o *CacheObject) cacheCost() int64 {
	age := int64(now().Sub(o.lastAccessTime).Seconds())
	if age < o.lifetime {
		return maxCost
	}
	if age < 1 {
		age = 1
	}
	return int64(o.cost) * pageCount(o.size) / age
}
