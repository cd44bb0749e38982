package engine

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const sequenceNumberFile = ".sequenceNumber"

// CacheSet is the root of the engine: the map of types, the global
// id→type index, the sequence-number generator, cross-type eviction and
// recovery via directory walk. It is meant to be the single process-wide
// instance, created at startup and destroyed on shutdown.
type CacheSet struct {
	baseDir         string
	totalCacheSpace int64

	types map[string]*typeCache
	idMap map[ObjectId]string

	sequenceNumber int64
	rng            *rand.Rand

	store *ObjectStore
	codec *PathCodec

	metrics Hooks
}

// Hooks lets an embedder (internal/metrics) observe engine activity without
// the engine package importing a metrics library itself.
type Hooks struct {
	OnInsert  func(typeName string)
	OnExpire  func(typeName string, reason string)
	OnEvict   func(typeName string, reason string)
}

// NewCacheSet creates the base directory if missing (mode 0770) and returns
// an empty CacheSet; callers run Recover to rebuild state from an existing
// tree.
func NewCacheSet(baseDir string, totalCacheSpace int64, store *ObjectStore, hooks Hooks) (*CacheSet, error) {
	if err := os.MkdirAll(baseDir, dirPerms); err != nil {
		return nil, wrapErr(KindConfiguration, "create base directory", err)
	}
	cs := &CacheSet{
		baseDir:         baseDir,
		totalCacheSpace: totalCacheSpace,
		types:           make(map[string]*typeCache),
		idMap:           make(map[ObjectId]string),
		store:           store,
		metrics:         hooks,
	}
	cs.codec = NewPathCodec(store)
	cs.rng = rand.New(rand.NewSource(now().UnixNano()))
	if err := cs.loadSequenceNumber(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *CacheSet) sumLoWatermarks(excluding string) int64 {
	var sum int64
	for name, t := range cs.types {
		if name == excluding {
			continue
		}
		sum += t.loWatermark
	}
	return sum
}

func (cs *CacheSet) sumCacheSizes() int64 {
	var sum int64
	for _, t := range cs.types {
		sum += t.cacheSize
	}
	return sum
}

func (cs *CacheSet) availSpace() int64 {
	return clampNonNegative(cs.totalCacheSpace - cs.sumCacheSizes())
}

// defineType creates a new named type. Rejects if the name already exists
// or configuration fails, discarding any partially created state.
func (cs *CacheSet) defineType(name string, params *CacheTypeParams, dirType bool) error {
	if _, exists := cs.types[name]; exists {
		return newErr(KindExists, "type already defined")
	}
	t := newTypeCache(name, cs.baseDir, cs.store)
	if !t.configure(params, dirType, cs.sumLoWatermarks(""), cs.totalCacheSpace) {
		return newErr(KindDefine, "type configuration rejected")
	}
	cs.types[name] = t
	return nil
}

// changeType reconfigures an existing type. Any non-positive field in
// params leaves the corresponding value unchanged.
func (cs *CacheSet) changeType(name string, params *CacheTypeParams) error {
	t, ok := cs.types[name]
	if !ok {
		return newErr(KindExists, "unknown type")
	}
	if !t.configure(params, t.dirType, cs.sumLoWatermarks(name), cs.totalCacheSpace) {
		return newErr(KindChange, "type reconfiguration rejected")
	}
	return nil
}

// deleteType removes a type, refusing while any of its objects remains
// subscribed. Returns the space that was freed.
func (cs *CacheSet) deleteType(name string) (int64, error) {
	t, ok := cs.types[name]
	if !ok {
		return 0, newErr(KindExists, "unknown type")
	}
	if !t.isCleanable() {
		return 0, newErr(KindDelete, "type has subscribed objects")
	}
	freed := t.cacheSize
	ids := make([]ObjectId, 0, len(t.objects))
	for id := range t.objects {
		ids = append(ids, id)
	}
	for _, id := range ids {
		t.expire(id)
		delete(cs.idMap, id)
	}
	delete(cs.types, name)
	cs.store.removeTree(t.dir())
	return freed, nil
}

// nextObjectId returns a fresh id with 32 random high bits and the current
// low sequence bits, so every id fits in the 54 bits a path encodes, bumping
// and periodically persisting the sequence counter. Ids outside [1, 2^63) or
// already present in idMap are rejected and regenerated.
func (cs *CacheSet) nextObjectId() ObjectId {
	for {
		high := uint64(cs.rng.Uint32())
		id := ObjectId((high << seqBits) | uint64(cs.sequenceNumber))
		cs.sequenceNumber++
		if cs.sequenceNumber%sequenceBumpCnt == 0 {
			cs.persistSequenceNumber()
		}
		if cs.sequenceNumber > maxAllowSeqNum {
			cs.sequenceNumber = 1
		}
		if id == 0 || id >= (1<<63) {
			continue
		}
		if _, used := cs.idMap[id]; used {
			continue
		}
		return id
	}
}

func (cs *CacheSet) loadSequenceNumber() error {
	path := cs.baseDir + "/" + sequenceNumberFile
	data, err := os.ReadFile(path)
	seq := int64(0)
	if err == nil {
		seq, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	seq += sequenceBumpCnt
	if seq < 1 {
		seq = 1
	}
	if seq > maxAllowSeqNum {
		seq = 1
	}
	cs.sequenceNumber = seq
	cs.persistSequenceNumber()
	return nil
}

func (cs *CacheSet) persistSequenceNumber() {
	path := cs.baseDir + "/" + sequenceNumberFile
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(cs.sequenceNumber, 10)), 0640); err != nil {
		return
	}
	if err := cs.store.fsync(tmp); err != nil {
		os.Remove(tmp)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
	}
}

// insertCacheObject allocates a fresh id, creates the backing object and
// enters it into typeName. Zero-valued size/cost/lifetime fall back to the
// type's configured defaults. When the object does not fit, runs local
// cleanup, then a cross-type sweep if it still does not fit, and rejects the
// insert if space is still unavailable afterward.
func (cs *CacheSet) insertCacheObject(typeName, filename string, size int64, cost int, lifetime int64) (ObjectId, string, error) {
	t, ok := cs.types[typeName]
	if !ok {
		return 0, "", newErr(KindExists, "unknown type")
	}
	if size == 0 {
		size = t.defaultSize
	}
	if cost == 0 {
		cost = t.defaultCost
	}
	if lifetime == 0 {
		lifetime = t.defaultLifetime
	}
	if t.dirType && size <= filesystemSize(1) {
		return 0, "", newErr(KindInvalidParams, "dirType object size must exceed one block's accounted size")
	}

	needed := filesystemSize(size)
	if !t.checkForSize(needed, cs.availSpace()) {
		t.cleanup(needed, cs.makeExpireFunc(typeName))
		if !t.checkForSize(needed, cs.availSpace()) {
			cs.cleanupAllTypes(needed - cs.availSpace())
		}
	}
	if !t.checkForSize(needed, cs.availSpace()) {
		return 0, "", newErr(KindInvalidParams, "could not find space for object insert")
	}

	id := cs.nextObjectId()
	path := cs.codec.Encode(id, cs.baseDir, typeName, filename, true)
	if path == "" {
		return 0, "", newErr(KindInvalidParams, "path encoding failed")
	}

	obj := newCacheObject(cs.store, id, typeName, filename, path, size, cost, lifetime, t.dirType)
	if err := obj.initialize(true); err != nil {
		return 0, "", err
	}

	t.insert(obj)
	cs.idMap[id] = typeName
	if cs.metrics.OnInsert != nil {
		cs.metrics.OnInsert(typeName)
	}
	return id, path, nil
}

// recoveryInsert is the walker-only counterpart of insertCacheObject: it
// accepts a caller-supplied id and written flag instead of allocating and
// initialising from scratch.
func (cs *CacheSet) recoveryInsert(typeName string, id ObjectId, filename, path string, size int64, cost int, lifetime int64, written bool) error {
	t, ok := cs.types[typeName]
	if !ok {
		return newErr(KindExists, "unknown type")
	}
	obj := newCacheObject(cs.store, id, typeName, filename, path, size, cost, lifetime, t.dirType)
	obj.written = written
	t.insert(obj)
	cs.idMap[id] = typeName
	return nil
}

func (cs *CacheSet) resolve(id ObjectId) (*typeCache, string, bool) {
	typeName, ok := cs.idMap[id]
	if !ok {
		return nil, "", false
	}
	return cs.types[typeName], typeName, true
}

func (cs *CacheSet) subscribeCacheObject(id ObjectId) (string, error) {
	t, _, ok := cs.resolve(id)
	if !ok {
		return "", newErr(KindExists, "unknown object")
	}
	return t.subscribe(id)
}

func (cs *CacheSet) unsubscribeCacheObject(typeName string, id ObjectId) error {
	t, ok := cs.types[typeName]
	if !ok {
		return newErr(KindExists, "unknown type")
	}
	return t.unsubscribe(id)
}

// expireCacheObject removes id from idMap before delegating, so a deferred
// deletion (object still subscribed) becomes an orphan the maintenance
// cycle will sweep once the last subscriber goes away. Expiring an unknown
// id is idempotent success; expiring an in-use object defers the actual
// deletion and reports InUse so the caller knows it didn't happen yet.
func (cs *CacheSet) expireCacheObject(id ObjectId) error {
	t, typeName, ok := cs.resolve(id)
	if !ok {
		return nil
	}
	delete(cs.idMap, id)
	removed := t.expire(id)
	if cs.metrics.OnExpire != nil {
		cs.metrics.OnExpire(typeName, "requested")
	}
	if !removed {
		return newErr(KindInUse, "expire deferred, object in use")
	}
	return nil
}

func (cs *CacheSet) makeExpireFunc(typeName string) func(ObjectId) bool {
	t := cs.types[typeName]
	return func(id ObjectId) bool {
		delete(cs.idMap, id)
		removed := t.expire(id)
		if removed && cs.metrics.OnEvict != nil {
			cs.metrics.OnEvict(typeName, "watermark")
		}
		return removed
	}
}

// resizeCacheObject applies newSize to id. Growing an object is checked
// against cache-set-wide free space exactly like insertCacheObject: a local
// cleanup runs first, then a cross-type sweep, and the resize is rejected if
// space is still unavailable afterward.
func (cs *CacheSet) resizeCacheObject(id ObjectId, newSize int64) (int64, error) {
	t, typeName, ok := cs.resolve(id)
	if !ok {
		return 0, newErr(KindExists, "unknown object")
	}

	needed := t.resizeDelta(id, newSize)
	t.localCleanup(needed, cs.availSpace(), cs.makeExpireFunc(typeName))
	if !t.admits(needed, cs.availSpace()) {
		cs.cleanupAllTypes(needed - cs.availSpace())
	}
	if !t.admits(needed, cs.availSpace()) {
		return 0, newErr(KindInvalidParams, "could not find space for resize")
	}

	applied, changed := t.resize(id, newSize)
	if !changed {
		return applied, newErr(KindResize, "object is not resizable: already written or not the sole subscriber")
	}
	return applied, nil
}

func (cs *CacheSet) touchCacheObject(id ObjectId) error {
	t, _, ok := cs.resolve(id)
	if !ok {
		return newErr(KindExists, "unknown object")
	}
	if !t.touch(id) {
		return newErr(KindExists, "unknown object")
	}
	return nil
}

// cleanupAllTypes selects, across every type, the lowest-cost LRU-tail
// candidate and expires it, repeating until at least neededSize bytes are
// freed or no candidates remain.
func (cs *CacheSet) cleanupAllTypes(neededSize int64) {
	target := filesystemSize(neededSize)
	var cleaned int64

	for cleaned < target {
		var bestType string
		var bestID ObjectId
		var bestCost int64 = -1
		found := false

		for name, t := range cs.types {
			cand := t.getCleanupCandidate()
			if cand == 0 {
				continue
			}
			cost := t.get(cand).cacheCost()
			if !found || cost < bestCost {
				bestType, bestID, bestCost, found = name, cand, cost, true
			}
		}
		if !found {
			return
		}

		t := cs.types[bestType]
		before := filesystemSize(t.get(bestID).size)
		delete(cs.idMap, bestID)
		if t.expire(bestID) {
			cleaned += before
			if cs.metrics.OnEvict != nil {
				cs.metrics.OnEvict(bestType, "cross_type")
			}
		}
	}
}

func (cs *CacheSet) cleanupOrphans() {
	for _, t := range cs.types {
		t.cleanupOrphanedObjects()
	}
}

func (cs *CacheSet) cleanupDirTypes() {
	for _, t := range cs.types {
		t.cleanupDirType()
	}
}

func (cs *CacheSet) getCacheStatus() CacheStatus {
	var size int64
	var numObjs int
	for _, t := range cs.types {
		size += t.cacheSize
		numObjs += len(t.objects)
	}
	return CacheStatus{
		NumTypes:   len(cs.types),
		Size:       size,
		NumObjects: numObjs,
		AvailSpace: clampNonNegative(cs.sumLoWatermarks("") - size),
	}
}

func (cs *CacheSet) getCacheTypeStatus(name string) (CacheTypeStatus, error) {
	t, ok := cs.types[name]
	if !ok {
		return CacheTypeStatus{}, newErr(KindExists, "unknown type")
	}
	return t.status(), nil
}

func (cs *CacheSet) getCacheTypes() []string {
	names := make([]string, 0, len(cs.types))
	for name := range cs.types {
		names = append(names, name)
	}
	return names
}

func (cs *CacheSet) getObjectSize(id ObjectId) (int64, error) {
	t, _, ok := cs.resolve(id)
	if !ok {
		return 0, newErr(KindExists, "unknown object")
	}
	obj := t.get(id)
	if obj == nil {
		return 0, newErr(KindExists, "unknown object")
	}
	return obj.size, nil
}

func (cs *CacheSet) getObjectFilename(id ObjectId) (string, error) {
	t, _, ok := cs.resolve(id)
	if !ok {
		return "", newErr(KindExists, "unknown object")
	}
	obj := t.get(id)
	if obj == nil {
		return "", newErr(KindExists, "unknown object")
	}
	return obj.filename, nil
}

// isDirTypeObject reports whether id names a dirType (directory-backed)
// object, for callers like CopyCacheObject that must reject a directory
// source.
func (cs *CacheSet) isDirTypeObject(id ObjectId) (bool, error) {
	t, _, ok := cs.resolve(id)
	if !ok {
		return false, newErr(KindExists, "unknown object")
	}
	obj := t.get(id)
	if obj == nil {
		return false, newErr(KindExists, "unknown object")
	}
	return obj.dirType, nil
}

// idForPath re-derives the object id from path and verifies the type
// segment in the path matches idMap, as every pathName-bearing boundary
// operation requires.
func (cs *CacheSet) idForPath(path string) (ObjectId, string, error) {
	id := cs.codec.DecodeId(path)
	if id == 0 {
		return 0, "", newErr(KindExists, "path does not decode to a known object")
	}
	typeName, ok := cs.idMap[id]
	if !ok {
		return 0, "", newErr(KindExists, "unknown object")
	}
	derivedType := cs.codec.DecodeType(cs.baseDir, path)
	if derivedType != typeName {
		return 0, "", newErr(KindExists, "type mismatch for path")
	}
	return id, typeName, nil
}

// --- recovery walker ---

// recover walks baseDir, reconstructing type and object state from the
// directory tree and xattrs. It is the sole way a CacheSet other than a
// brand-new one becomes populated.
func (cs *CacheSet) recover() error {
	entries, err := os.ReadDir(cs.baseDir)
	if err != nil {
		return wrapErr(KindConfiguration, "read base directory", err)
	}

	for _, topEntry := range entries {
		if !topEntry.IsDir() {
			continue
		}
		typeName := topEntry.Name()
		typeDir := filepath.Join(cs.baseDir, typeName)
		cs.recoverType(typeName, typeDir)
	}
	return nil
}

func (cs *CacheSet) recoverType(typeName, typeDir string) {
	if _, ok := cs.types[typeName]; !ok {
		t := newTypeCache(typeName, cs.baseDir, cs.store)
		if !t.configure(nil, false, cs.sumLoWatermarks(""), cs.totalCacheSpace) {
			cs.store.log.Warn("recovery: dropping type with unreadable defaults", "type", typeName)
			cs.store.removeTree(typeDir)
			return
		}
		cs.types[typeName] = t
	}
	t := cs.types[typeName]

	dirEntries, err := os.ReadDir(typeDir)
	if err != nil {
		return
	}
	for _, sub := range dirEntries {
		if sub.Name() == typeDefaultsFile || !sub.IsDir() {
			continue
		}
		subdir := filepath.Join(typeDir, sub.Name())
		cs.recoverSubdir(t, typeDir, subdir)
	}
}

func (cs *CacheSet) recoverSubdir(t *typeCache, typeDir, subdir string) {
	if t.dirType {
		cs.recoverDirTypeChild(t, typeDir, subdir)
		return
	}

	entries, err := os.ReadDir(subdir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		path := filepath.Join(subdir, entry.Name())
		if entry.IsDir() {
			cs.store.removeDirIfEmpty(path)
			continue
		}
		cs.recoverFile(t, typeDir, path)
	}
	cs.store.removeDirIfEmpty(subdir)
}

func (cs *CacheSet) recoverDirTypeChild(t *typeCache, typeDir, subdir string) {
	entries, err := os.ReadDir(subdir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(subdir, entry.Name())
		id := cs.codec.DecodeId(path)
		if id == 0 {
			cs.store.removeTree(path)
			continue
		}
		cs.recoverObject(t, typeDir, path, id, true)
	}
}

func (cs *CacheSet) recoverFile(t *typeCache, typeDir, path string) {
	id := cs.codec.DecodeId(path)
	if id == 0 {
		cs.store.unlink(path)
		return
	}
	cs.recoverObject(t, typeDir, path, id, false)
}

// recoverObject restores one object's state from its xattrs, discarding it
// (and its container) when required attributes are missing or the declared
// size disagrees with reality — evidence of a crash mid-write.
func (cs *CacheSet) recoverObject(t *typeCache, typeDir, path string, id ObjectId, isDir bool) {
	written, err := cs.store.getXAttrInt(path, xattrWritten)
	if err != nil || written == 0 {
		if isDir {
			cs.store.removeTree(path)
		} else {
			cs.store.unlink(path)
			cs.store.removeDirIfEmpty(filepath.Dir(path))
		}
		return
	}

	size, err := cs.store.getXAttrInt(path, xattrSize)
	if err != nil {
		cs.store.unlink(path)
		return
	}

	if !isDir {
		if info, statErr := os.Stat(path); statErr == nil && info.Size() != size {
			cs.store.unlink(path)
			cs.store.removeDirIfEmpty(filepath.Dir(path))
			return
		}
	}

	filename, _ := cs.store.getXAttrString(path, xattrFilename)
	cost, _ := cs.store.getXAttrInt(path, xattrCost)
	lifetime, _ := cs.store.getXAttrInt(path, xattrLifetime)
	if lifetime <= 0 {
		lifetime = 1
	}

	if err := cs.recoveryInsert(t.name, id, filename, path, size, int(cost), lifetime, true); err != nil {
		cs.store.log.Warn("recovery insert failed", "path", path, "error", err)
	}
}

// --- filesystem configuration file ---

// FilesystemConfig is the two-line configuration file format read at
// startup: totalCacheSpace and baseDirName.
type FilesystemConfig struct {
	TotalCacheSpace int64
	BaseDirName     string
}

// ReadFilesystemConfig reads path in the "label value" line format,
// returning defaults for any missing line.
func ReadFilesystemConfig(path string, defaults FilesystemConfig) FilesystemConfig {
	cfg := defaults
	f, err := os.Open(path)
	if err != nil {
		return cfg
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case "totalCacheSpace":
			if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				cfg.TotalCacheSpace = v
			}
		case "baseDirName":
			cfg.BaseDirName = fields[1]
		}
	}
	return cfg
}

// --- exported boundary-facing wrappers ---
//
// CacheSet's internals above are unexported because only this package's own
// recovery walker and the methods below call them directly; internal/router
// drives the engine exclusively through these names, one per §6 boundary
// operation.

func (cs *CacheSet) DefineType(name string, params *CacheTypeParams, dirType bool) error {
	return cs.defineType(name, params, dirType)
}

func (cs *CacheSet) ChangeType(name string, params *CacheTypeParams) error {
	return cs.changeType(name, params)
}

func (cs *CacheSet) DeleteType(name string) (int64, error) {
	return cs.deleteType(name)
}

func (cs *CacheSet) InsertCacheObject(typeName, filename string, size int64, cost int, lifetime int64) (ObjectId, string, error) {
	return cs.insertCacheObject(typeName, filename, size, cost, lifetime)
}

func (cs *CacheSet) SubscribeCacheObject(id ObjectId) (string, error) {
	return cs.subscribeCacheObject(id)
}

func (cs *CacheSet) UnsubscribeCacheObject(typeName string, id ObjectId) error {
	return cs.unsubscribeCacheObject(typeName, id)
}

func (cs *CacheSet) ExpireCacheObject(id ObjectId) error {
	return cs.expireCacheObject(id)
}

func (cs *CacheSet) ResizeCacheObject(id ObjectId, newSize int64) (int64, error) {
	return cs.resizeCacheObject(id, newSize)
}

func (cs *CacheSet) TouchCacheObject(id ObjectId) error {
	return cs.touchCacheObject(id)
}

func (cs *CacheSet) GetCacheStatus() CacheStatus {
	return cs.getCacheStatus()
}

func (cs *CacheSet) GetCacheTypeStatus(name string) (CacheTypeStatus, error) {
	return cs.getCacheTypeStatus(name)
}

func (cs *CacheSet) GetCacheTypes() []string {
	return cs.getCacheTypes()
}

func (cs *CacheSet) GetObjectSize(id ObjectId) (int64, error) {
	return cs.getObjectSize(id)
}

func (cs *CacheSet) GetObjectFilename(id ObjectId) (string, error) {
	return cs.getObjectFilename(id)
}

// IsDirTypeObject reports whether id names a directory-backed object.
func (cs *CacheSet) IsDirTypeObject(id ObjectId) (bool, error) {
	return cs.isDirTypeObject(id)
}

// IDForPath re-derives the object id from pathName and verifies the type
// segment in the path matches the object's registered type, as every
// pathName-bearing boundary operation requires.
func (cs *CacheSet) IDForPath(pathName string) (ObjectId, string, error) {
	return cs.idForPath(pathName)
}

// CleanupAllTypes runs the cross-type eviction on demand; normal admission
// already calls it internally when local cleanup is insufficient.
func (cs *CacheSet) CleanupAllTypes(neededSize int64) {
	cs.cleanupAllTypes(neededSize)
}

// Recover rebuilds CacheSet state from the on-disk tree. Call once at
// startup after NewCacheSet.
func (cs *CacheSet) Recover() error {
	return cs.recover()
}
