package engine

import (
	"bufio"
	"container/list"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const typeDefaultsFile = "Type.defaults"

// typeCache holds every object of one cache type: the LRU list, watermarks
// and size accounting, and the type-defaults config file. Analogue of the
// original's CFileCache, which kept the same list+map pair.
type typeCache struct {
	name string

	loWatermark     int64
	hiWatermark     int64
	defaultSize     int64
	defaultCost     int
	defaultLifetime int64
	dirType         bool

	objects map[ObjectId]*CacheObject
	lru     *list.List // front = most recently used
	elems   map[ObjectId]*list.Element

	cacheSize  int64
	baseDir    string
	store      *ObjectStore
}

func newTypeCache(name, baseDir string, store *ObjectStore) *typeCache {
	return &typeCache{
		name:    name,
		baseDir: baseDir,
		store:   store,
		objects: make(map[ObjectId]*CacheObject),
		lru:     list.New(),
		elems:   make(map[ObjectId]*list.Element),
	}
}

func (t *typeCache) dir() string {
	return t.baseDir + "/" + t.name
}

// configure loads params into the type, or reads Type.defaults when params
// is nil. A non-positive field is left unchanged except when explicitly
// negative, which is rejected. Returns false with no state change on a
// watermark violation or a read failure.
func (t *typeCache) configure(params *CacheTypeParams, dirType bool, otherLoWatermarks, totalCacheSpace int64) bool {
	if params == nil {
		loaded, ok := t.readDefaults()
		if !ok {
			return false
		}
		params = loaded
		dirType = t.dirType // readDefaults already set it from the file
	}

	lo := t.loWatermark
	hi := t.hiWatermark
	size := t.defaultSize
	cost := t.defaultCost
	life := t.defaultLifetime

	if params.LoWatermark < 0 || params.HiWatermark < 0 || params.DefaultSize < 0 ||
		params.DefaultCost < 0 || params.DefaultLifetime < 0 {
		return false
	}
	if params.LoWatermark > 0 {
		lo = params.LoWatermark
	}
	if params.HiWatermark > 0 {
		hi = params.HiWatermark
	}
	if params.DefaultSize > 0 {
		size = params.DefaultSize
	}
	if params.DefaultCost > 0 {
		cost = params.DefaultCost
	}
	if params.DefaultLifetime > 0 {
		life = params.DefaultLifetime
	}

	if hi <= lo || lo <= 0 {
		return false
	}
	if lo > totalCacheSpace-otherLoWatermarks {
		return false
	}

	t.loWatermark = lo
	t.hiWatermark = hi
	t.defaultSize = size
	t.defaultCost = cost
	t.defaultLifetime = life
	t.dirType = dirType

	return t.writeDefaults()
}

func (t *typeCache) readDefaults() (*CacheTypeParams, bool) {
	f, err := os.Open(t.dir() + "/" + typeDefaultsFile)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	values := map[string]int64{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		values[fields[0]] = v
	}
	if sc.Err() != nil {
		return nil, false
	}

	labels := []string{"loWatermark", "hiWatermark", "defaultSize", "defaultCost", "defaultLifetime", "dirType"}
	for _, l := range labels {
		if _, ok := values[l]; !ok {
			return nil, false
		}
	}

	t.dirType = values["dirType"] != 0
	return &CacheTypeParams{
		LoWatermark:     values["loWatermark"],
		HiWatermark:     values["hiWatermark"],
		DefaultSize:     values["defaultSize"],
		DefaultCost:     int(values["defaultCost"]),
		DefaultLifetime: values["defaultLifetime"],
	}, true
}

// writeDefaults persists Type.defaults via temp-file-plus-rename, fsync.
func (t *typeCache) writeDefaults() bool {
	if err := os.MkdirAll(t.dir(), dirPerms); err != nil {
		return false
	}
	dirFlag := 0
	if t.dirType {
		dirFlag = 1
	}
	tmp := t.dir() + "/." + typeDefaultsFile + ".tmp"
	content := fmt.Sprintf(
		"loWatermark %d\nhiWatermark %d\ndefaultSize %d\ndefaultCost %d\ndefaultLifetime %d\ndirType %d\n",
		t.loWatermark, t.hiWatermark, t.defaultSize, t.defaultCost, t.defaultLifetime, dirFlag,
	)
	if err := os.WriteFile(tmp, []byte(content), 0640); err != nil {
		return false
	}
	if err := t.store.fsync(tmp); err != nil {
		os.Remove(tmp)
		return false
	}
	if err := os.Rename(tmp, t.dir()+"/"+typeDefaultsFile); err != nil {
		os.Remove(tmp)
		return false
	}
	return true
}

func (t *typeCache) pushFront(id ObjectId) {
	if e, ok := t.elems[id]; ok {
		t.lru.MoveToFront(e)
		return
	}
	t.elems[id] = t.lru.PushFront(id)
}

func (t *typeCache) removeFromLRU(id ObjectId) {
	if e, ok := t.elems[id]; ok {
		t.lru.Remove(e)
		delete(t.elems, id)
	}
}

// insert enters newObj into the type: O(1) map entry, LRU front, size
// accounted.
func (t *typeCache) insert(obj *CacheObject) int {
	t.objects[obj.id] = obj
	t.pushFront(obj.id)
	t.cacheSize += filesystemSize(obj.size)
	return len(t.objects)
}

// checkForSize reports whether an additional delta bytes may be admitted
// without crossing hiWatermark, given availSpace bytes remain free
// cache-set-wide. The hiWatermark test is strict; the space test is not, per
// the source's documented asymmetry.
func (t *typeCache) checkForSize(delta, availSpace int64) bool {
	availSpace = clampNonNegative(availSpace)
	return t.cacheSize+delta < t.hiWatermark && delta <= availSpace
}

// getCleanupCandidate returns the LRU-tail id eligible for local eviction,
// or 0 when the type is under its low watermark or has no objects.
func (t *typeCache) getCleanupCandidate() ObjectId {
	if t.cacheSize <= t.loWatermark || t.lru.Len() == 0 {
		return 0
	}
	return t.lru.Back().Value.(ObjectId)
}

func (t *typeCache) get(id ObjectId) *CacheObject {
	return t.objects[id]
}

// touch delegates to the object and moves it to the LRU front.
func (t *typeCache) touch(id ObjectId) bool {
	obj, ok := t.objects[id]
	if !ok {
		return false
	}
	obj.touch()
	t.pushFront(id)
	return true
}

// subscribe delegates to the object; on success moves id to the LRU front.
func (t *typeCache) subscribe(id ObjectId) (string, error) {
	obj, ok := t.objects[id]
	if !ok {
		return "", newErr(KindExists, "object not found")
	}
	path, err := obj.subscribe()
	if err != nil {
		return "", err
	}
	t.pushFront(id)
	return path, nil
}

// unsubscribe delegates to the object and reconciles cacheSize if the
// declared size changed during finalisation.
func (t *typeCache) unsubscribe(id ObjectId) error {
	obj, ok := t.objects[id]
	if !ok {
		return newErr(KindExists, "object not found")
	}
	before := filesystemSize(obj.size)
	err := obj.unsubscribe()
	after := filesystemSize(obj.size)
	t.cacheSize += after - before
	if !obj.expired {
		t.pushFront(id)
	}
	return err
}

// resizeDelta returns the accounting delta (new minus old filesystemSize)
// applying newSize to id would incur, or 0 if id is unknown.
func (t *typeCache) resizeDelta(id ObjectId, newSize int64) int64 {
	obj, ok := t.objects[id]
	if !ok {
		return 0
	}
	return filesystemSize(newSize) - filesystemSize(obj.size)
}

// localCleanup runs the type's own LRU-tail eviction to try to make room for
// delta bytes, against availSpace (cache-set-wide free space).
func (t *typeCache) localCleanup(delta, availSpace int64, expire func(ObjectId) bool) {
	if delta > 0 && !t.checkForSize(delta, availSpace) {
		t.cleanup(delta, expire)
	}
}

// admits reports whether delta bytes are presently admissible against
// availSpace (cache-set-wide free space).
func (t *typeCache) admits(delta, availSpace int64) bool {
	return delta <= 0 || t.checkForSize(delta, availSpace)
}

// resize applies newSize to id, regardless of admission — callers are
// expected to have already run localCleanup/cleanupAllTypes via
// CacheSet.resizeCacheObject. Returns the size in effect and whether it
// actually changed; the caller uses the changed flag to detect an illegal
// resize (object already finalised, or not the sole subscriber).
func (t *typeCache) resize(id ObjectId, newSize int64) (int64, bool) {
	obj, ok := t.objects[id]
	if !ok {
		return 0, false
	}
	oldFS := filesystemSize(obj.size)
	applied, changed := obj.resize(newSize)
	if changed {
		t.cacheSize += filesystemSize(applied) - oldFS
		t.pushFront(id)
	}
	return obj.size, changed
}

// cleanup pops LRU-tail objects via expire until cacheSize+delta drops below
// hiWatermark, candidates run out, or an eviction is deferred because the
// victim is still subscribed.
func (t *typeCache) cleanup(delta int64, expire func(ObjectId) bool) {
	for t.cacheSize+delta >= t.hiWatermark {
		if t.lru.Len() == 0 {
			return
		}
		victim := t.lru.Back().Value.(ObjectId)
		if !expire(victim) {
			return
		}
	}
}

// expire removes id from the LRU and calls through to the object. When the
// object reports it was actually removed, it is erased from objects and
// accounting adjusted.
func (t *typeCache) expire(id ObjectId) bool {
	obj, ok := t.objects[id]
	if !ok {
		return false
	}
	t.removeFromLRU(id)
	removed := obj.expire()
	if removed {
		t.cacheSize -= filesystemSize(obj.size)
		delete(t.objects, id)
	}
	return removed
}

// cleanupOrphanedObjects expires every object already marked expired that
// still lingers in objects (e.g. a deferred deletion whose last subscriber
// has since gone away).
func (t *typeCache) cleanupOrphanedObjects() {
	for id, obj := range t.objects {
		if obj.expired && obj.subscriptionCount == 0 {
			t.expire(id)
		}
	}
}

// cleanupDirType expires every dirType object with no remaining
// subscribers: directory objects are single-shot, finished the moment their
// last writer unsubscribes.
func (t *typeCache) cleanupDirType() {
	if !t.dirType {
		return
	}
	for id, obj := range t.objects {
		if obj.subscriptionCount == 0 {
			t.expire(id)
		}
	}
}

// isCleanable reports whether every object in the type is unsubscribed,
// which is required before the type directory may be removed.
func (t *typeCache) isCleanable() bool {
	for _, obj := range t.objects {
		if obj.subscriptionCount > 0 {
			return false
		}
	}
	return true
}

func (t *typeCache) status() CacheTypeStatus {
	return CacheTypeStatus{
		LoWatermark:     t.loWatermark,
		HiWatermark:     t.hiWatermark,
		DefaultSize:     t.defaultSize,
		DefaultCost:     t.defaultCost,
		DefaultLifetime: t.defaultLifetime,
		Size:            t.cacheSize,
		NumObjects:      len(t.objects),
		DirType:         t.dirType,
	}
}
