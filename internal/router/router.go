// Package router is the boundary that accepts externally named operations,
// validates their arguments, invokes the cache engine, and emits replies.
// It carries no cache logic beyond the argument checks below; everything
// else is delegated to internal/engine.
package router

import (
	"strings"

	"github.com/objcache/filecached/internal/engine"
)

// Caller identifies who is issuing a request. Privileged gates DefineType
// with dirType=true and CopyCacheObject; ID is carried on the request but
// not read by the router — no further authorization policy is implemented.
type Caller struct {
	Privileged bool
	ID         string
}

// Router validates boundary requests and dispatches them onto the engine's
// single dispatch loop.
type Router struct {
	loop   *engine.Loop
	set    *engine.CacheSet
	copier Copier

	subs *subscriptionTable
}

// New returns a Router dispatching onto loop/set, copying with copier.
func New(loop *engine.Loop, set *engine.CacheSet, copier Copier) *Router {
	if copier == nil {
		copier = DefaultCopier{}
	}
	return &Router{loop: loop, set: set, copier: copier, subs: newSubscriptionTable()}
}

func validTypeName(name string) bool {
	return len(name) > 0 && len(name) <= 64 && !strings.HasPrefix(name, ".")
}

func validFilename(name string) bool {
	return len(name) > 0 && len(name) <= engine.MaxFilenameLength && !strings.Contains(name, "/")
}

// DefineType creates a new named cache type. Defining a dirType=true type
// is privileged.
func (r *Router) DefineType(caller Caller, name string, params engine.CacheTypeParams, dirType bool) error {
	if !validTypeName(name) {
		return invalidParams("invalid type name")
	}
	if params.HiWatermark <= params.LoWatermark || params.LoWatermark <= 0 {
		return invalidParams("hiWatermark must exceed loWatermark > 0")
	}
	if params.DefaultCost < 0 || params.DefaultCost > 100 {
		return invalidParams("cost out of range")
	}
	if dirType && !caller.Privileged {
		return permErr("DefineType with dirType=true requires a privileged caller")
	}

	var result error
	r.loop.Submit(func() {
		result = r.set.DefineType(name, &params, dirType)
	})
	return result
}

// ChangeType reconfigures an existing type. Fields left zero in params are
// unchanged.
func (r *Router) ChangeType(name string, params engine.CacheTypeParams) error {
	if !validTypeName(name) {
		return invalidParams("invalid type name")
	}
	var result error
	r.loop.Submit(func() {
		result = r.set.ChangeType(name, &params)
	})
	return result
}

// DeleteType removes a type and returns the space it freed.
func (r *Router) DeleteType(name string) (int64, error) {
	if !validTypeName(name) {
		return 0, invalidParams("invalid type name")
	}
	var freed int64
	var err error
	r.loop.Submit(func() {
		freed, err = r.set.DeleteType(name)
	})
	return freed, err
}

// DescribeType returns a type's current configuration and usage.
func (r *Router) DescribeType(name string) (engine.CacheTypeStatus, error) {
	if !validTypeName(name) {
		return engine.CacheTypeStatus{}, invalidParams("invalid type name")
	}
	var status engine.CacheTypeStatus
	var err error
	r.loop.Submit(func() {
		status, err = r.set.GetCacheTypeStatus(name)
	})
	return status, err
}

// InsertResult is the reply shape for InsertCacheObject.
type InsertResult struct {
	PathName   string
	Subscribed bool
}

// InsertCacheObject creates a new object in typeName, optionally leaving it
// subscribed for immediate writing.
func (r *Router) InsertCacheObject(typeName, fileName string, size int64, cost int, lifetime int64, subscribe bool) (InsertResult, error) {
	if !validTypeName(typeName) {
		return InsertResult{}, invalidParams("invalid type name")
	}
	if !validFilename(fileName) {
		return InsertResult{}, invalidParams("invalid file name")
	}
	if cost < 0 || cost > 100 {
		return InsertResult{}, invalidParams("cost out of range")
	}

	var id engine.ObjectId
	var path string
	var err error
	r.loop.Submit(func() {
		id, path, err = r.set.InsertCacheObject(typeName, fileName, size, cost, lifetime)
	})
	if err != nil {
		return InsertResult{}, err
	}

	result := InsertResult{PathName: path}
	if subscribe {
		var subPath string
		r.loop.Submit(func() {
			subPath, err = r.set.SubscribeCacheObject(id)
		})
		if err == nil {
			result.Subscribed = true
			result.PathName = subPath
			r.subs.track(id, typeName, subPath)
		}
	}
	return result, nil
}

// ResizeCacheObject applies newSize to the object named by pathName, legal
// only during its write window.
func (r *Router) ResizeCacheObject(pathName string, newSize int64) (int64, error) {
	if newSize <= 0 {
		return 0, invalidParams("newSize must be positive")
	}
	id, _, err := r.resolvePath(pathName)
	if err != nil {
		return 0, err
	}
	var applied int64
	r.loop.Submit(func() {
		applied, err = r.set.ResizeCacheObject(id, newSize)
	})
	return applied, err
}

// ExpireCacheObject expires the object named by pathName. Expiring an
// unknown path is treated as success: the cache state already satisfies
// the request. Expiring an object still in use defers the deletion and
// reports InUse.
func (r *Router) ExpireCacheObject(pathName string) error {
	id, _, err := r.resolvePath(pathName)
	if err != nil {
		return nil
	}
	r.loop.Submit(func() {
		err = r.set.ExpireCacheObject(id)
	})
	return err
}

// Subscription is a pinning handle held by the caller; Cancel() releases it.
type Subscription struct {
	PathName string
	router   *Router
	id       engine.ObjectId
	typeName string
}

// Cancel releases the subscription. Idempotent; safe to call from a
// context cancellation or a deferred HTTP cleanup.
func (s *Subscription) Cancel() {
	if s == nil || s.router == nil {
		return
	}
	router := s.router
	s.router = nil
	router.subs.untrack(s.id)
	router.loop.Post(func() {
		router.set.UnsubscribeCacheObject(s.typeName, s.id)
	})
}

// SubscribeCacheObject pins the object named by pathName and returns a
// handle whose Cancel unsubscribes it.
func (r *Router) SubscribeCacheObject(pathName string) (*Subscription, error) {
	id, typeName, err := r.resolvePath(pathName)
	if err != nil {
		return nil, err
	}
	var path string
	r.loop.Submit(func() {
		path, err = r.set.SubscribeCacheObject(id)
	})
	if err != nil {
		return nil, err
	}
	r.subs.track(id, typeName, path)
	return &Subscription{PathName: path, router: r, id: id, typeName: typeName}, nil
}

// TouchCacheObject refreshes the access time of the object named by
// pathName without subscribing it.
func (r *Router) TouchCacheObject(pathName string) error {
	id, _, err := r.resolvePath(pathName)
	if err != nil {
		return err
	}
	r.loop.Submit(func() {
		err = r.set.TouchCacheObject(id)
	})
	return err
}

// CopyResult is the reply shape for CopyCacheObject.
type CopyResult struct {
	NewPathName string
}

// CopyCacheObject copies the object named by pathName to destination/
// fileName. Privileged only.
func (r *Router) CopyCacheObject(caller Caller, pathName, destination, fileName string) (CopyResult, error) {
	if !caller.Privileged {
		return CopyResult{}, permErr("CopyCacheObject requires a privileged caller")
	}
	if fileName != "" && !validFilename(fileName) {
		return CopyResult{}, invalidParams("invalid file name")
	}
	id, typeName, err := r.resolvePath(pathName)
	if err != nil {
		return CopyResult{}, err
	}
	if destination == "" {
		return CopyResult{}, argumentErr("destination is required")
	}

	var isDir bool
	r.loop.Submit(func() {
		isDir, err = r.set.IsDirTypeObject(id)
	})
	if err != nil {
		return CopyResult{}, err
	}
	if isDir {
		return CopyResult{}, directoryErr("CopyCacheObject does not support a directory-type source")
	}

	var srcPath string
	r.loop.Submit(func() {
		srcPath, err = r.set.SubscribeCacheObject(id)
	})
	if err != nil {
		return CopyResult{}, err
	}
	defer r.loop.Post(func() { r.set.UnsubscribeCacheObject(typeName, id) })

	name := fileName
	if name == "" {
		name = pathName[strings.LastIndexByte(pathName, '/')+1:]
	}
	dest := strings.TrimRight(destination, "/") + "/" + name
	if err := r.copier.Copy(srcPath, dest); err != nil {
		return CopyResult{}, copyErr("copy failed", err)
	}
	return CopyResult{NewPathName: dest}, nil
}

// GetCacheStatus summarises the whole cache.
func (r *Router) GetCacheStatus() engine.CacheStatus {
	var status engine.CacheStatus
	r.loop.Submit(func() {
		status = r.set.GetCacheStatus()
	})
	return status
}

// GetCacheTypeStatus summarises one type.
func (r *Router) GetCacheTypeStatus(name string) (engine.CacheTypeStatus, error) {
	return r.DescribeType(name)
}

// GetCacheObjectSize returns the declared size of the object named by
// pathName.
func (r *Router) GetCacheObjectSize(pathName string) (int64, error) {
	id, _, err := r.resolvePath(pathName)
	if err != nil {
		return 0, err
	}
	var size int64
	r.loop.Submit(func() {
		size, err = r.set.GetObjectSize(id)
	})
	return size, err
}

// GetCacheObjectFilename returns the original filename of the object named
// by pathName.
func (r *Router) GetCacheObjectFilename(pathName string) (string, error) {
	id, _, err := r.resolvePath(pathName)
	if err != nil {
		return "", err
	}
	var name string
	r.loop.Submit(func() {
		name, err = r.set.GetObjectFilename(id)
	})
	return name, err
}

// GetCacheTypes lists every currently defined type name.
func (r *Router) GetCacheTypes() []string {
	var names []string
	r.loop.Submit(func() {
		names = r.set.GetCacheTypes()
	})
	return names
}

// ActiveSubscriptionIDs returns the ids presently pinned by a live
// Subscription handle, for MaintenanceTicker's validate pass.
func (r *Router) ActiveSubscriptionIDs() []engine.ObjectId {
	return r.subs.ids()
}

func (r *Router) resolvePath(pathName string) (engine.ObjectId, string, error) {
	var id engine.ObjectId
	var typeName string
	var err error
	r.loop.Submit(func() {
		id, typeName, err = r.set.IDForPath(pathName)
	})
	return id, typeName, err
}
